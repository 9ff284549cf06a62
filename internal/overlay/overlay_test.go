package overlay

import (
	"path/filepath"
	"testing"
)

func TestDeleteMissingIsSuccess(t *testing.T) {
	d := New()
	if err := d.Delete(filepath.Join(t.TempDir(), "does-not-exist.ext4")); err != nil {
		t.Fatalf("Delete on missing file: %v", err)
	}
}
