package skills

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/osaproject/osa/internal/tools"
)

func writeSkill(t *testing.T, dir, file, name, desc string) {
	t.Helper()
	src := "# " + name + "\n\n" + desc + "\n"
	if err := os.WriteFile(filepath.Join(dir, file), []byte(src), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestReloadRegistersSkills(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "greet.md", "Greeting", "Says hello.")
	writeSkill(t, dir, "broken.md", "", "no heading at all")

	reg := tools.NewRegistry()
	m := NewManager(dir, reg)
	if err := m.Reload(); err != nil {
		t.Fatal(err)
	}

	if _, ok := reg.Get("greeting"); !ok {
		t.Error("greeting not registered")
	}
	if got := m.Skills(); len(got) != 1 || got[0] != "greeting" {
		t.Errorf("skills = %v", got)
	}

	result := reg.Execute(context.Background(), "greeting", nil)
	if result.IsError || !strings.Contains(result.ForLLM, "Says hello.") {
		t.Errorf("execute = %+v", result)
	}
}

func TestReloadDropsVanishedSkills(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "greet.md", "Greeting", "Says hello.")

	reg := tools.NewRegistry()
	m := NewManager(dir, reg)
	if err := m.Reload(); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(filepath.Join(dir, "greet.md")); err != nil {
		t.Fatal(err)
	}
	if err := m.Reload(); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Get("greeting"); ok {
		t.Error("removed skill still registered")
	}
}

func TestMachineGroupsAndToggle(t *testing.T) {
	dir := t.TempDir()
	ops := filepath.Join(dir, "ops")
	if err := os.Mkdir(ops, 0755); err != nil {
		t.Fatal(err)
	}
	writeSkill(t, ops, "restart.md", "Restart Service", "Restarts a service safely.")
	if err := os.WriteFile(filepath.Join(ops, MachineFile), []byte("You are on call."), 0644); err != nil {
		t.Fatal(err)
	}

	reg := tools.NewRegistry()
	m := NewManager(dir, reg)
	if err := m.Reload(); err != nil {
		t.Fatal(err)
	}

	machines := m.Machines()
	if len(machines) != 1 || machines[0].Name != "ops" || !machines[0].Active {
		t.Fatalf("machines = %+v", machines)
	}
	if machines[0].Prompt != "You are on call." {
		t.Errorf("prompt = %q", machines[0].Prompt)
	}
	if len(machines[0].Skills) != 1 || machines[0].Skills[0] != "restart_service" {
		t.Errorf("skills = %v", machines[0].Skills)
	}
	if !strings.Contains(m.Summary(), "You are on call.") {
		t.Errorf("summary = %q", m.Summary())
	}

	if err := m.Toggle("ops", false); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Get("restart_service"); ok {
		t.Error("toggled-off machine skill still registered")
	}
	if strings.Contains(m.Summary(), "You are on call.") {
		t.Error("inactive machine prompt still in summary")
	}

	// The off setting survives a reload.
	if err := m.Reload(); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Get("restart_service"); ok {
		t.Error("reload re-registered an inactive machine's skill")
	}

	if err := m.Toggle("ops", true); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Get("restart_service"); !ok {
		t.Error("toggle on did not re-register")
	}

	if err := m.Toggle("ghost", true); err == nil {
		t.Error("unknown machine toggle should fail")
	}
}

func TestReloadMissingDirIsEmpty(t *testing.T) {
	reg := tools.NewRegistry()
	m := NewManager(filepath.Join(t.TempDir(), "nope"), reg)
	if err := m.Reload(); err != nil {
		t.Fatal(err)
	}
	if got := m.Skills(); len(got) != 0 {
		t.Errorf("skills = %v", got)
	}
}

func TestWatchPicksUpNewSkill(t *testing.T) {
	dir := t.TempDir()
	reg := tools.NewRegistry()
	m := NewManager(dir, reg)
	if err := m.Reload(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Watch(ctx); err != nil {
		t.Fatal(err)
	}

	writeSkill(t, dir, "late.md", "Late Arrival", "Added while watching.")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := reg.Get("late_arrival"); ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("watcher never registered the new skill")
}
