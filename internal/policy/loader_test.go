package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const samplePolicy = `
uid: p-filesystem
name: Filesystem access
status: active
priority: 50
permission:
  - action:
      value: tools/call
    target:
      uid: "filesystem__*"
    duty:
      - action:
          value: log
prohibition:
  - action:
      value: tools/call
    target:
      uid: "*:/etc/*"
`

const sampleJSONPolicy = `{
  "uid": "p-json",
  "name": "JSON document",
  "status": "active",
  "priority": 10,
  "permission": [
    {"action": {"value": "resources/read"}}
  ]
}`

func writePolicy(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "filesystem.yaml", samplePolicy)
	writePolicy(t, dir, "json-doc.json", sampleJSONPolicy)
	writePolicy(t, dir, "notes.txt", "not a policy")

	store, _ := newTestEnv(t)
	loader := NewLoader(store, nil)
	if err := loader.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	list := store.List()
	if len(list) != 2 {
		t.Fatalf("loaded %d policies, want 2", len(list))
	}
	if list[0].UID != "p-filesystem" || list[1].UID != "p-json" {
		t.Errorf("order = [%s %s], want [p-filesystem p-json]", list[0].UID, list[1].UID)
	}
	if len(list[0].Permissions) != 1 || len(list[0].Prohibitions) != 1 {
		t.Errorf("p-filesystem rules = (%d, %d), want (1, 1)",
			len(list[0].Permissions), len(list[0].Prohibitions))
	}
	if got := list[0].Permissions[0].Duties[0].Action.Value; got != "log" {
		t.Errorf("duty = %q, want log", got)
	}
}

func TestLoadDirRejectsBadDocument(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "good.yaml", samplePolicy)
	writePolicy(t, dir, "bad.yaml", "uid: broken\npermission:\n  - action: {}\n")

	store, _ := newTestEnv(t)
	loader := NewLoader(store, nil)
	if err := loader.LoadDir(dir); err == nil {
		t.Fatal("LoadDir accepted a rule without action.value")
	}
	if len(store.List()) != 0 {
		t.Error("failed load changed the store")
	}
}

func TestLoadDirRejectsDuplicateUID(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "one.yaml", samplePolicy)
	writePolicy(t, dir, "two.yaml", samplePolicy)

	store, _ := newTestEnv(t)
	loader := NewLoader(store, nil)
	if err := loader.LoadDir(dir); err == nil {
		t.Fatal("duplicate uid accepted")
	}
}

func TestLoadDirMissingDirectory(t *testing.T) {
	store, _ := newTestEnv(t)
	loader := NewLoader(store, nil)
	if err := loader.LoadDir(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("missing directory accepted")
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "filesystem.yaml", samplePolicy)

	store, _ := newTestEnv(t)
	loader := NewLoader(store, nil)
	if err := loader.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if err := loader.Watch(dir); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer loader.StopWatch()

	before := store.Version()
	writePolicy(t, dir, "extra.yaml", sampleJSONPolicy)

	deadline := time.After(3 * time.Second)
	for {
		if store.Version() > before && len(store.List()) == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("reload did not happen: version %d, %d policies",
				store.Version(), len(store.List()))
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestWatchKeepsPreviousOnBadReload(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "filesystem.yaml", samplePolicy)

	store, _ := newTestEnv(t)
	loader := NewLoader(store, nil)
	if err := loader.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if err := loader.Watch(dir); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer loader.StopWatch()

	before := store.Version()
	writePolicy(t, dir, "broken.yaml", "uid: broken\npermission:\n  - action: {}\n")

	// Give the debounce and reload a chance to run, then confirm the
	// previous snapshot survived.
	time.Sleep(debounceWindow + 500*time.Millisecond)
	if store.Version() != before {
		t.Errorf("bad reload changed version %d -> %d", before, store.Version())
	}
	if list := store.List(); len(list) != 1 || list[0].UID != "p-filesystem" {
		t.Errorf("policy set changed after bad reload")
	}
}
