package builder

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// coverageTotalRe matches the "Total" row of
// `cargo rustdoc -- -Z unstable-options --show-coverage`'s
// table output, e.g. "| Total                            | 42/50 (84.0%) | ...".
var coverageTotalRe = regexp.MustCompile(`Total[^|]*\|[^|]*\(\s*([0-9]+(?:\.[0-9]+)?)%\s*\)`)

// computeCoverage runs the documentation tool's coverage report for target
// and extracts the aggregate percentage of documented public items.
func (b *Builder) computeCoverage(ctx context.Context, srcDir, target string) (float64, error) {
	argv := []string{b.docTool, "rustdoc", "--target", target, "--", "-Z", "unstable-options", "--show-coverage"}
	result, err := Run(ctx, srcDir, argv, nil)
	if err != nil {
		return 0, fmt.Errorf("compute documentation coverage: %w", err)
	}
	return parseCoveragePercent(result.Output), nil
}

func parseCoveragePercent(output string) float64 {
	match := coverageTotalRe.FindStringSubmatch(output)
	if match == nil {
		return 0
	}
	pct, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0
	}
	return pct
}

// generateAndUploadJSONDoc runs the documentation tool's unstable JSON
// output format, zstd-compresses the result, and uploads it under the
// `rustdoc-json/` prefix the Rustdoc Asset Server's JSON-doc route reads
// from.
func (b *Builder) generateAndUploadJSONDoc(ctx context.Context, srcDir, outDir, crateName, version, target string, isDefaultTarget bool) error {
	argv := []string{b.docTool, "rustdoc", "--target", target, "--out-dir", outDir, "--", "-Z", "unstable-options", "--output-format", "json"}
	if _, err := Run(ctx, srcDir, argv, nil); err != nil {
		return fmt.Errorf("generate json doc for target %s: %w", target, err)
	}

	jsonName := strings.ReplaceAll(crateName, "-", "_") + ".json"
	raw, err := os.ReadFile(filepath.Join(outDir, jsonName))
	if err != nil {
		return fmt.Errorf("read generated json doc %s: %w", jsonName, err)
	}

	var compressed bytes.Buffer
	zw, err := zstd.NewWriter(&compressed)
	if err != nil {
		return fmt.Errorf("construct zstd writer: %w", err)
	}
	if _, err := zw.Write(raw); err != nil {
		zw.Close()
		return fmt.Errorf("compress json doc: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize compressed json doc: %w", err)
	}

	keyBase := fmt.Sprintf("rustdoc-json/%s/%s", crateName, version)
	if !isDefaultTarget {
		keyBase = fmt.Sprintf("%s/%s", keyBase, target)
	}
	key := fmt.Sprintf("%s/%s_%s_latest.json.zstd", keyBase, crateName, version)

	if _, err := b.blobs.Put(ctx, key, bytes.NewReader(compressed.Bytes()), int64(compressed.Len())); err != nil {
		return fmt.Errorf("upload json doc %s: %w", key, err)
	}
	return nil
}
