package credential

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clinicdesk/realtime/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), DefaultFileName))
}

func TestStore_LoadSave(t *testing.T) {
	tests := []struct {
		name string
		blob *Blob
	}{
		{
			name: "token only",
			blob: &Blob{Token: "tok-1"},
		},
		{
			name: "with notifications",
			blob: &Blob{
				Token:  "tok-2",
				UserID: "doctor-1",
				UnseenNotifications: []model.Notification{
					{ID: "n1", Message: "Lab results ready", CreatedAt: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)

			if err := store.Save(tt.blob); err != nil {
				t.Fatalf("Save() error = %v", err)
			}

			loaded, err := store.Load()
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if loaded.Token != tt.blob.Token {
				t.Errorf("Token = %v, want %v", loaded.Token, tt.blob.Token)
			}
			if loaded.UserID != tt.blob.UserID {
				t.Errorf("UserID = %v, want %v", loaded.UserID, tt.blob.UserID)
			}
			if len(loaded.UnseenNotifications) != len(tt.blob.UnseenNotifications) {
				t.Fatalf("UnseenNotifications = %d entries, want %d", len(loaded.UnseenNotifications), len(tt.blob.UnseenNotifications))
			}
			for i, n := range loaded.UnseenNotifications {
				want := tt.blob.UnseenNotifications[i]
				if n.ID != want.ID || !n.CreatedAt.Equal(want.CreatedAt) {
					t.Errorf("UnseenNotifications[%d] = %+v, want %+v", i, n, want)
				}
			}
		})
	}
}

func TestStore_LoadNonExistent(t *testing.T) {
	store := newTestStore(t)

	b, err := store.Load()
	if err != nil {
		t.Errorf("Load() error = %v, want nil", err)
	}
	if b != nil {
		t.Errorf("Load() = %v, want nil for non-existent file", b)
	}
}

func TestStore_LoadCorrupt(t *testing.T) {
	store := newTestStore(t)
	if err := os.WriteFile(store.Path(), []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Load(); err == nil {
		t.Error("Load() error = nil, want decode error")
	}
}

func TestStore_FilePermissions(t *testing.T) {
	store := newTestStore(t)

	if err := store.Save(&Blob{Token: "secret"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	info, err := os.Stat(store.Path())
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		t.Errorf("File permissions = %o, want 0600 (no group/other access)", perm)
	}
}

func TestStore_SaveLeavesNoTempFiles(t *testing.T) {
	store := newTestStore(t)

	for _, tok := range []string{"a", "b", "c"} {
		if err := store.Save(&Blob{Token: tok}); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want only %s", len(entries), DefaultFileName)
	}
}

func TestStore_Update(t *testing.T) {
	store := newTestStore(t)

	// no login: nothing written
	if err := store.Update(func(b *Blob) { b.Token = "x" }); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if b, _ := store.Load(); b != nil {
		t.Fatalf("Update() created blob %+v without a login", b)
	}

	if err := store.Save(&Blob{Token: "tok"}); err != nil {
		t.Fatal(err)
	}
	err := store.Update(func(b *Blob) {
		b.UnseenNotifications = []model.Notification{{ID: "n1", Message: "hi"}}
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	b, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if b.Token != "tok" || len(b.UnseenNotifications) != 1 {
		t.Errorf("Load() = %+v, want token kept and one notification", b)
	}
}

func TestStore_Clear(t *testing.T) {
	store := newTestStore(t)
	if err := store.Clear(); err != nil {
		t.Errorf("Clear() on missing file error = %v", err)
	}

	if err := store.Save(&Blob{Token: "tok"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if b, _ := store.Load(); b != nil {
		t.Errorf("Load() after Clear() = %+v, want nil", b)
	}
}
