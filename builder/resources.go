package builder

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// freeMemoryMB reads /proc/meminfo's MemAvailable, the kernel's own estimate
// of memory available for new allocations without swapping, matching what an
// about-to-start compile invocation would actually have to work with.
func freeMemoryMB() (int64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, fmt.Errorf("read /proc/meminfo: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("parse /proc/meminfo MemAvailable line: %q", line)
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse MemAvailable value: %w", err)
		}
		return kb / 1024, nil
	}
	return 0, fmt.Errorf("MemAvailable not found in /proc/meminfo")
}
