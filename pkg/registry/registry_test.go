package registry

import (
	"testing"

	"github.com/cogsled/cogsled/pkg/storage"
	"github.com/cogsled/cogsled/pkg/types"
)

func newFileCatalog(t *testing.T) *storage.FileCatalog {
	t.Helper()
	return storage.OpenFile(t.TempDir() + "/catalog.yaml")
}

// stopRecorder mimics the one behavior of the real Lifecycle Controller that
// matters here: Stop looks its target up in the registry before doing
// anything else, just as (*lifecycle.Controller).Stop calls registry.Get.
// If Refresh drops a service before calling Stop, found below comes back
// false and the regression is caught.
type stopRecorder struct {
	reg     *Registry
	stopped []string
	found   []bool
}

func (s *stopRecorder) Stop(name string) error {
	_, ok := s.reg.Get(name)
	s.found = append(s.found, ok)
	s.stopped = append(s.stopped, name)
	return nil
}

func TestRefreshAddsNewCatalogEntries(t *testing.T) {
	cat := newFileCatalog(t)
	if err := cat.Put(types.ServiceConfig{Name: "svc_a"}); err != nil {
		t.Fatal(err)
	}

	reg := New(cat)
	if err := reg.Refresh(nil); err != nil {
		t.Fatal(err)
	}

	svc, ok := reg.Get("svc_a")
	if !ok {
		t.Fatal("expected svc_a to be registered")
	}
	if svc.Status != types.StatusStopped {
		t.Errorf("expected fresh service to be STOPPED, got %s", svc.Status)
	}
}

func TestRefreshDropsRemovedCatalogEntries(t *testing.T) {
	cat := newFileCatalog(t)
	if err := cat.Put(types.ServiceConfig{Name: "svc_a"}); err != nil {
		t.Fatal(err)
	}
	reg := New(cat)
	if err := reg.Refresh(nil); err != nil {
		t.Fatal(err)
	}

	if err := cat.Delete("svc_a"); err != nil {
		t.Fatal(err)
	}
	stopper := &stopRecorder{reg: reg}
	if err := reg.Refresh(stopper); err != nil {
		t.Fatal(err)
	}

	if _, ok := reg.Get("svc_a"); ok {
		t.Error("expected svc_a to be dropped")
	}
	if len(stopper.stopped) != 1 || stopper.stopped[0] != "svc_a" {
		t.Errorf("expected svc_a to be stopped during removal, got %v", stopper.stopped)
	}
	if len(stopper.found) != 1 || !stopper.found[0] {
		t.Error("expected svc_a to still be registered when Stop looked it up")
	}
}

func TestRefreshPreservesExistingServiceState(t *testing.T) {
	cat := newFileCatalog(t)
	if err := cat.Put(types.ServiceConfig{Name: "svc_a"}); err != nil {
		t.Fatal(err)
	}
	reg := New(cat)
	if err := reg.Refresh(nil); err != nil {
		t.Fatal(err)
	}

	svc, _ := reg.Get("svc_a")
	svc.Status = types.StatusRunning

	if err := reg.Refresh(nil); err != nil {
		t.Fatal(err)
	}
	svc2, _ := reg.Get("svc_a")
	if svc2 != svc || svc2.Status != types.StatusRunning {
		t.Error("expected Refresh to leave an existing service record untouched")
	}
}

func TestListIsSortedByName(t *testing.T) {
	cat := newFileCatalog(t)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := cat.Put(types.ServiceConfig{Name: name}); err != nil {
			t.Fatal(err)
		}
	}
	reg := New(cat)
	if err := reg.Refresh(nil); err != nil {
		t.Fatal(err)
	}

	list := reg.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 services, got %d", len(list))
	}
	if list[0].Name != "alpha" || list[1].Name != "mid" || list[2].Name != "zeta" {
		t.Errorf("expected sorted order, got %v", []string{list[0].Name, list[1].Name, list[2].Name})
	}
}
