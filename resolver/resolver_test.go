package resolver

import (
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"

	"github.com/pkgdocs/builder/db"
)

func TestCanonicalizeName(t *testing.T) {
	assert.Equal(t, "serde-json", canonicalizeName("serde_json"))
	assert.Equal(t, "serde-json", canonicalizeName("Serde_JSON"))
	assert.Equal(t, "tokio", canonicalizeName("tokio"))
}

func TestSynthesizeStoragePath(t *testing.T) {
	cases := []struct {
		name            string
		target          string
		targetIsDefault bool
		targetName      string
		pathOpt         string
		want            string
	}{
		{"empty path maps to target_name index.html", "x86_64-unknown-linux-gnu", true, "regex", "", "regex/index.html"},
		{"trailing slash kept", "x86_64-unknown-linux-gnu", true, "regex", "struct.Foo.html/", "struct.Foo.html/"},
		{"trailing index.html rewritten to slash", "x86_64-unknown-linux-gnu", true, "regex", "mod/index.html", "mod/"},
		{"non-default target prefixed", "wasm32-unknown-unknown", false, "regex", "index.html", "wasm32-unknown-unknown/index.html"},
		{"default target not prefixed", "x86_64-unknown-linux-gnu", true, "regex", "struct.Foo.html", "struct.Foo.html"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := synthesizeStoragePath(tc.target, tc.targetIsDefault, tc.targetName, tc.pathOpt)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDisambiguateTarget(t *testing.T) {
	r := &Resolver{}
	release := &db.Release{
		DefaultTarget: "x86_64-unknown-linux-gnu",
		Targets:       "x86_64-unknown-linux-gnu,wasm32-unknown-unknown",
	}

	target, path := r.disambiguateTarget(release, "wasm32-unknown-unknown", "index.html")
	assert.Equal(t, "wasm32-unknown-unknown", target)
	assert.Equal(t, "index.html", path)

	target, path = r.disambiguateTarget(release, "struct.Foo.html", "")
	assert.Equal(t, "", target)
	assert.Equal(t, "struct.Foo.html", path)

	target, path = r.disambiguateTarget(release, "", "wasm32-unknown-unknown/index.html")
	assert.Equal(t, "wasm32-unknown-unknown", target)
	assert.Equal(t, "index.html", path)

	target, path = r.disambiguateTarget(release, "", "struct.Foo.html")
	assert.Equal(t, "x86_64-unknown-linux-gnu", target)
	assert.Equal(t, "struct.Foo.html", path)
}

func TestSearchTermFor(t *testing.T) {
	assert.Equal(t, "", SearchTermFor(""))
	assert.Equal(t, "", SearchTermFor("index.html"))
	assert.Equal(t, "Serializer", SearchTermFor("struct.Serializer.html"))
	assert.Equal(t, "mymod", SearchTermFor("mymod.rs.html"))
	assert.Equal(t, "", SearchTermFor("noextension"))
}

func TestPickBestMatch_PrefersNonPrereleaseNonYanked(t *testing.T) {
	constraint, err := semver.NewConstraint("^1.0.0")
	assert.NoError(t, err)

	releases := []db.Release{
		{Version: "1.0.0"},
		{Version: "1.5.0"},
		{Version: "1.9.0-beta.1"},
		{Version: "1.3.0", Yanked: true},
	}

	best := pickBestMatch(releases, constraint)
	assert.NotNil(t, best)
	assert.Equal(t, "1.5.0", best.Version)
}

func TestPickBestMatch_FallsBackToPrereleaseWhenNoStableMatch(t *testing.T) {
	constraint, err := semver.NewConstraint("^2.0.0-0")
	assert.NoError(t, err)

	releases := []db.Release{
		{Version: "2.0.0-alpha.1"},
	}

	best := pickBestMatch(releases, constraint)
	assert.NotNil(t, best)
	assert.Equal(t, "2.0.0-alpha.1", best.Version)
}
