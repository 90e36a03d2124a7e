package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCrate_Structure(t *testing.T) {
	t.Run("complete crate", func(t *testing.T) {
		c := Crate{
			Name:          "serde",
			CanonicalName: "serde",
			LatestVersion: "1.0.210",
		}

		assert.Equal(t, "serde", c.Name)
		assert.Equal(t, "serde", c.CanonicalName)
		assert.Equal(t, "1.0.210", c.LatestVersion)
	})

	t.Run("empty crate", func(t *testing.T) {
		c := Crate{}
		assert.Empty(t, c.Name)
		assert.Empty(t, c.LatestVersion)
	})
}

func TestRelease_Structure(t *testing.T) {
	r := Release{
		CrateID:       1,
		Version:       "1.0.210",
		ArchiveKey:    "archives/serde/1.0.210/a1b2c3.zip",
		ArchiveDigest: "d41d8cd98f00b204e9800998ecf8427e",
		ArchiveBytes:  4096,
		Targets:       "x86_64-unknown-linux-gnu,x86_64-pc-windows-msvc",
		DefaultTarget: "x86_64-unknown-linux-gnu",
	}

	assert.Equal(t, uint(1), r.CrateID)
	assert.False(t, r.Yanked)
	assert.NotEmpty(t, r.ArchiveDigest)
}

func TestBuild_Lifecycle(t *testing.T) {
	now := time.Now()
	b := Build{
		ReleaseID: 1,
		Status:    BuildStatusQueued,
		Priority:  0,
	}
	assert.Equal(t, BuildStatusQueued, b.Status)
	assert.Nil(t, b.StartedAt)

	b.Status = BuildStatusRunning
	b.StartedAt = &now
	assert.Equal(t, BuildStatusRunning, b.Status)
	assert.NotNil(t, b.StartedAt)

	b.Status = BuildStatusFailed
	b.ErrorReason = "toolchain fetch timed out"
	assert.Equal(t, BuildStatusFailed, b.Status)
	assert.NotEmpty(t, b.ErrorReason)
}

func TestConfigKV_Structure(t *testing.T) {
	kv := ConfigKV{Key: "default_toolchain", Value: "nightly-2026-07-01"}
	assert.Equal(t, "default_toolchain", kv.Key)
	assert.Equal(t, "nightly-2026-07-01", kv.Value)
}
