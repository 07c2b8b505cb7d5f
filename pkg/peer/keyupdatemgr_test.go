package peer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fernet/fernet-go"
)

func writeKeyFile(t *testing.T, keys ...*fernet.Key) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.txt")

	var content string
	for _, k := range keys {
		content += k.Encode() + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestKeyUpdateMgrLoadsKeys(t *testing.T) {
	k := testFernetKey(t)
	mgr := &KeyUpdateMgr{Path: writeKeyFile(t, k)}

	keys, updated, err := mgr.Update(true)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !updated {
		t.Fatal("Update: expected first call to report updated=true")
	}
	if len(keys) != 1 {
		t.Fatalf("Update: got %d keys, want 1", len(keys))
	}
}

func TestKeyUpdateMgrCachesUntilInterval(t *testing.T) {
	mgr := &KeyUpdateMgr{Path: writeKeyFile(t, testFernetKey(t)), AutoUpdateInterval: time.Hour}

	if _, _, err := mgr.Update(false); err != nil {
		t.Fatalf("Update (initial): %v", err)
	}

	// remove the backing file; a cached, non-forced Update must not fail
	// since it is within AutoUpdateInterval.
	os.Remove(mgr.Path)

	if _, updated, err := mgr.Update(false); err != nil || updated {
		t.Fatalf("Update (cached): updated=%v err=%v, want updated=false err=nil", updated, err)
	}
}

func TestKeyUpdateMgrReportsLoadError(t *testing.T) {
	mgr := &KeyUpdateMgr{Path: filepath.Join(t.TempDir(), "missing.txt")}

	if _, _, err := mgr.Update(true); err == nil {
		t.Fatal("Update: expected error for missing key file")
	}
}

func TestKeyUpdateMgrHook(t *testing.T) {
	called := make(chan error, 1)
	mgr := &KeyUpdateMgr{
		Path:           writeKeyFile(t, testFernetKey(t)),
		AutoUpdateHook: func(count int, err error) { called <- err },
	}

	if _, _, err := mgr.Update(true); err != nil {
		t.Fatalf("Update: %v", err)
	}

	select {
	case err := <-called:
		if err != nil {
			t.Fatalf("hook reported error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("AutoUpdateHook was not called")
	}
}
