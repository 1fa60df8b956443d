package workspace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pideck/pideck/internal/agent"
	"github.com/pideck/pideck/pkg/protocol"
)

func mkdir(path string) error {
	return os.MkdirAll(path, 0o755)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, mkdir(filepath.Dir(path)))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestReadFrontmatter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.md")
	writeFile(t, path, "---\ntitle: Ship v2\nstatus: running\nactive: true\n---\n\n# Heading\nbody\n")

	fm, body := readFrontmatter(path)
	require.NotNil(t, fm)
	assert.Equal(t, "Ship v2", fm["title"])
	assert.Equal(t, "running", fm["status"])
	assert.Equal(t, true, fm["active"])
	assert.Contains(t, body, "# Heading")
}

func TestReadFrontmatterWithoutBlock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.md")
	writeFile(t, path, "# Just markdown\n")

	fm, body := readFrontmatter(path)
	assert.Nil(t, fm)
	assert.Contains(t, body, "# Just markdown")
}

func TestScanDocs(t *testing.T) {
	ws := t.TempDir()
	p, err := NewPlansJobsProvider("ws-1", ws, nil, nil, nil, testLogger(t))
	require.NoError(t, err)

	writeFile(t, filepath.Join(ws, ".pideck", "plans", "b-plan.md"),
		"---\ntitle: Second\n---\nbody")
	writeFile(t, filepath.Join(ws, ".pideck", "plans", "a-plan.md"),
		"---\ntitle: First\nactive: true\n---\nbody")
	writeFile(t, filepath.Join(ws, ".pideck", "plans", "notes.txt"), "ignored")

	docs := p.scanDocs(p.plansDir())
	require.Len(t, docs, 2)
	assert.Equal(t, "a-plan", docs[0].ID)
	assert.Equal(t, "First", docs[0].Title)
	assert.True(t, docs[0].Active)
	assert.Equal(t, "Second", docs[1].Title)
}

func TestScanDocsTitleFallsBackToHeading(t *testing.T) {
	ws := t.TempDir()
	p, err := NewPlansJobsProvider("ws-1", ws, nil, nil, nil, testLogger(t))
	require.NoError(t, err)

	writeFile(t, filepath.Join(ws, ".pideck", "jobs", "deploy.md"), "# Deploy to staging\nsteps")
	docs := p.scanDocs(p.jobsDir())
	require.Len(t, docs, 1)
	assert.Equal(t, "Deploy to staging", docs[0].Title)
}

func TestScanSessionsDropsUnboundEmptyFiles(t *testing.T) {
	ws := t.TempDir()
	live := func() []string { return []string{"bound.jsonl"} }
	p, err := NewPlansJobsProvider("ws-1", ws, nil, nil, live, testLogger(t))
	require.NoError(t, err)

	sessionsDir := filepath.Join(ws, ".pideck", "sessions")
	userMsg, err := json.Marshal(protocol.Message{
		ID: "m1", Role: protocol.RoleUser,
		Content: []protocol.ContentPart{{Type: protocol.ContentText, Text: "fix the login bug"}},
	})
	require.NoError(t, err)
	writeFile(t, filepath.Join(sessionsDir, "history.jsonl"), string(userMsg)+"\n")

	// Empty but a live slot is bound to it: stays listed.
	writeFile(t, filepath.Join(sessionsDir, "bound.jsonl"), "")
	// Empty and no slot bound to it: a leftover, dropped.
	writeFile(t, filepath.Join(sessionsDir, "orphan.jsonl"), "")

	sessions := p.scanSessions()
	files := make([]string, len(sessions))
	for i, s := range sessions {
		files[i] = s.SessionFile
	}
	assert.ElementsMatch(t, []string{"history.jsonl", "bound.jsonl"}, files)

	for _, s := range sessions {
		if s.SessionFile == "history.jsonl" {
			assert.Equal(t, 1, s.MessageCount)
			assert.Equal(t, "fix the login bug", s.Title)
		}
	}
}

func TestScanSessionsWithoutBindingInfoDropsAllEmpties(t *testing.T) {
	ws := t.TempDir()
	p, err := NewPlansJobsProvider("ws-1", ws, nil, nil, nil, testLogger(t))
	require.NoError(t, err)

	sessionsDir := filepath.Join(ws, ".pideck", "sessions")
	writeFile(t, filepath.Join(sessionsDir, "empty.jsonl"), "")
	writeFile(t, filepath.Join(sessionsDir, "real.jsonl"), `{"id":"m1","role":"user"}`+"\n")

	sessions := p.scanSessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "real.jsonl", sessions[0].SessionFile)
}

func TestProviderFeedsListingsIntoState(t *testing.T) {
	l := newTestLog(t)
	ws := t.TempDir()
	writeFile(t, filepath.Join(ws, ".pideck", "plans", "launch.md"),
		"---\ntitle: Launch\nactive: true\n---\nbody")
	writeFile(t, filepath.Join(ws, ".pideck", "jobs", "ci.md"),
		"---\ntitle: CI\nstatus: running\n---\nbody")

	providers := func(wsID, path string, committer agent.Committer, live func() []string) (Provider, error) {
		return NewPlansJobsProvider(wsID, path, committer, nil, live, testLogger(t))
	}
	r := NewRegistry(l, agent.MockSessionFactory(0), providers, nil, nil, testLogger(t))

	wsID, err := r.OpenWorkspace(t.Context(), ws)
	require.NoError(t, err)
	defer func() { _ = r.CloseWorkspace(t.Context(), wsID) }()

	require.Eventually(t, func() bool {
		w := l.CurrentState().Workspaces[wsID]
		return w != nil && len(w.Plans) > 0 && len(w.Jobs) > 0
	}, 3*time.Second, 20*time.Millisecond)

	w := l.CurrentState().Workspaces[wsID]
	var plans []PlanDoc
	require.NoError(t, json.Unmarshal(w.Plans, &plans))
	require.Len(t, plans, 1)
	assert.Equal(t, "Launch", plans[0].Title)

	var active PlanDoc
	require.NoError(t, json.Unmarshal(w.ActivePlan, &active))
	assert.Equal(t, "launch", active.ID)

	var activeJobs []PlanDoc
	require.NoError(t, json.Unmarshal(w.ActiveJobs, &activeJobs))
	require.Len(t, activeJobs, 1)
	assert.Equal(t, "ci", activeJobs[0].ID)

	// A plan created after open is picked up by the watcher.
	writeFile(t, filepath.Join(ws, ".pideck", "plans", "later.md"),
		"---\ntitle: Later\n---\nbody")
	require.Eventually(t, func() bool {
		w := l.CurrentState().Workspaces[wsID]
		var plans []PlanDoc
		if err := json.Unmarshal(w.Plans, &plans); err != nil {
			return false
		}
		return len(plans) == 2
	}, 3*time.Second, 20*time.Millisecond)
}
