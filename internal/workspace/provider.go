package workspace

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pideck/pideck/internal/agent"
	"github.com/pideck/pideck/internal/common/logger"
	"github.com/pideck/pideck/internal/events/bus"
	"github.com/pideck/pideck/pkg/protocol"
)

const (
	pideckDirName = ".pideck"

	// refreshDebounce coalesces bursts of filesystem events into one
	// rescan.
	refreshDebounce = 200 * time.Millisecond
)

// PlanDoc is one markdown plan or job, identified by its filename with
// metadata lifted from the yaml frontmatter.
type PlanDoc struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Status    string `json:"status,omitempty"`
	Active    bool   `json:"active,omitempty"`
	UpdatedAt int64  `json:"updatedAt"`
}

// PlansJobsProvider watches a workspace's .pideck directory and feeds
// plans, jobs, and session listings into the commit log.
type PlansJobsProvider struct {
	workspaceID      string
	root             string // <workspace>/.pideck
	committer        agent.Committer
	eventBus         bus.EventBus
	liveSessionFiles func() []string
	logger           *logger.Logger

	watcher   *fsnotify.Watcher
	refreshCh chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	mu           sync.Mutex
	lastPlans    []byte
	lastJobs     []byte
	lastSessions []byte
}

// NewPlansJobsProvider creates a provider rooted at the workspace
// directory. liveSessionFiles reports the transcript files the
// workspace's slots are bound to; nil treats every slot as unbound.
func NewPlansJobsProvider(workspaceID, workspacePath string, committer agent.Committer,
	eventBus bus.EventBus, liveSessionFiles func() []string, log *logger.Logger) (*PlansJobsProvider, error) {
	return &PlansJobsProvider{
		workspaceID:      workspaceID,
		root:             filepath.Join(workspacePath, pideckDirName),
		committer:        committer,
		eventBus:         eventBus,
		liveSessionFiles: liveSessionFiles,
		logger: log.WithWorkspaceID(workspaceID).
			WithFields(zap.String("component", "plans_jobs_provider")),
		refreshCh: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching for changes and schedules the initial scan. A
// missing .pideck directory is not an error; the provider simply
// publishes empty listings until one appears on a later refresh.
func (p *PlansJobsProvider) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	p.watcher = watcher

	for _, dir := range []string{p.root, p.plansDir(), p.jobsDir(), p.sessionsDir()} {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			if err := watcher.Add(dir); err != nil {
				p.logger.Warn("Failed to watch directory",
					zap.String("dir", dir), zap.Error(err))
			}
		}
	}

	// The initial scan runs on the watch loop, not inline: the session
	// filter calls back into the registry, which still holds the
	// workspace lock while Start runs.
	p.Refresh()

	p.wg.Add(1)
	go p.watchLoop(ctx)
	return nil
}

// Refresh schedules a rescan outside the debounce window.
func (p *PlansJobsProvider) Refresh() {
	select {
	case p.refreshCh <- struct{}{}:
	default:
	}
}

// Stop halts the watcher.
func (p *PlansJobsProvider) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		if p.watcher != nil {
			_ = p.watcher.Close()
		}
		p.wg.Wait()
	})
}

func (p *PlansJobsProvider) plansDir() string    { return filepath.Join(p.root, "plans") }
func (p *PlansJobsProvider) jobsDir() string     { return filepath.Join(p.root, "jobs") }
func (p *PlansJobsProvider) sessionsDir() string { return filepath.Join(p.root, "sessions") }

func (p *PlansJobsProvider) watchLoop(ctx context.Context) {
	defer p.wg.Done()

	var debounce *time.Timer
	var debounceC <-chan time.Time

	arm := func() {
		if debounce == nil {
			debounce = time.NewTimer(refreshDebounce)
			debounceC = debounce.C
			return
		}
		if !debounce.Stop() {
			select {
			case <-debounce.C:
			default:
			}
		}
		debounce.Reset(refreshDebounce)
	}

	for {
		select {
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			// New subdirectories (e.g. plans/ created later) get added to
			// the watch on sight.
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = p.watcher.Add(ev.Name)
				}
			}
			arm()
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("Watcher error", zap.Error(err))
		case <-p.refreshCh:
			arm()
		case <-debounceC:
			p.refresh(ctx)
		case <-p.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// refresh rescans all three listings and commits mutations only for the
// ones whose content changed.
func (p *PlansJobsProvider) refresh(ctx context.Context) {
	plans := p.scanDocs(p.plansDir())
	jobs := p.scanDocs(p.jobsDir())
	sessions := p.scanSessions()

	plansJSON, _ := json.Marshal(plans)
	jobsJSON, _ := json.Marshal(jobs)
	sessionsJSON, _ := json.Marshal(sessions)

	p.mu.Lock()
	plansChanged := !bytes.Equal(plansJSON, p.lastPlans)
	jobsChanged := !bytes.Equal(jobsJSON, p.lastJobs)
	sessionsChanged := !bytes.Equal(sessionsJSON, p.lastSessions)
	p.lastPlans = plansJSON
	p.lastJobs = jobsJSON
	p.lastSessions = sessionsJSON
	p.mu.Unlock()

	if plansChanged {
		p.commitDocs(ctx, protocol.KindPlansUpdate, plansJSON, activeOf(plans))
		p.publish(ctx, bus.SubjectPlansChanged, "plans_changed", len(plans))
	}
	if jobsChanged {
		p.commitDocs(ctx, protocol.KindJobsUpdate, jobsJSON, runningOf(jobs))
		p.publish(ctx, bus.SubjectJobsChanged, "jobs_changed", len(jobs))
	}
	if sessionsChanged {
		if _, err := p.committer.Commit(ctx,
			protocol.NewSessionsUpdate(p.workspaceID, sessions)); err != nil {
			p.logger.Error("Failed to commit sessions update", zap.Error(err))
		}
		p.publish(ctx, bus.SubjectSessionsChanged, "sessions_changed", len(sessions))
	}
}

func (p *PlansJobsProvider) commitDocs(ctx context.Context, kind protocol.MutationKind, listJSON, activeJSON []byte) {
	muts := []protocol.Mutation{protocol.NewBlobUpdate(kind, p.workspaceID, listJSON)}
	switch kind {
	case protocol.KindPlansUpdate:
		muts = append(muts, protocol.NewBlobUpdate(protocol.KindActivePlanUpdate, p.workspaceID, activeJSON))
	case protocol.KindJobsUpdate:
		muts = append(muts, protocol.NewBlobUpdate(protocol.KindActiveJobsUpdate, p.workspaceID, activeJSON))
	}
	if _, err := p.committer.CommitAll(ctx, muts...); err != nil {
		p.logger.Error("Failed to commit listing update",
			zap.String("kind", string(kind)), zap.Error(err))
	}
}

// scanDocs reads markdown files with optional yaml frontmatter from a
// directory, sorted by id for deterministic listings.
func (p *PlansJobsProvider) scanDocs(dir string) []PlanDoc {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var docs []PlanDoc
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		doc := PlanDoc{
			ID:        strings.TrimSuffix(entry.Name(), ".md"),
			UpdatedAt: info.ModTime().UnixMilli(),
		}
		fm, body := readFrontmatter(path)
		if title, ok := fm["title"].(string); ok {
			doc.Title = title
		} else {
			doc.Title = firstHeading(body, doc.ID)
		}
		if status, ok := fm["status"].(string); ok {
			doc.Status = status
		}
		if active, ok := fm["active"].(bool); ok {
			doc.Active = active
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs
}

// scanSessions lists session transcripts. An empty transcript is listed
// only while a live slot is bound to it; unbound empties are leftovers
// of slots that never received a prompt.
func (p *PlansJobsProvider) scanSessions() []protocol.SessionInfo {
	entries, err := os.ReadDir(p.sessionsDir())
	if err != nil {
		return nil
	}

	bound := make(map[string]bool)
	if p.liveSessionFiles != nil {
		for _, f := range p.liveSessionFiles() {
			bound[filepath.Base(f)] = true
		}
	}

	var sessions []protocol.SessionInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(p.sessionsDir(), entry.Name())
		count, title := scanTranscript(path)
		if count == 0 && !bound[entry.Name()] {
			continue
		}
		sessions = append(sessions, protocol.SessionInfo{
			SessionFile:  entry.Name(),
			Title:        title,
			CreatedAt:    info.ModTime().UnixMilli(),
			UpdatedAt:    info.ModTime().UnixMilli(),
			MessageCount: count,
		})
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt > sessions[j].UpdatedAt
	})
	return sessions
}

func (p *PlansJobsProvider) publish(ctx context.Context, subject, eventType string, count int) {
	if p.eventBus == nil {
		return
	}
	ev := bus.NewEvent(eventType, p.workspaceID, map[string]any{"count": count})
	if err := p.eventBus.Publish(ctx, subject, ev); err != nil {
		p.logger.Warn("Failed to publish provider event", zap.Error(err))
	}
}

// readFrontmatter parses an optional leading "---" yaml block and
// returns it with the remaining body.
func readFrontmatter(path string) (map[string]any, string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ""
	}
	content := string(data)
	if !strings.HasPrefix(content, "---\n") {
		return nil, content
	}
	rest := content[4:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, content
	}
	var fm map[string]any
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return nil, content
	}
	body := rest[end+4:]
	return fm, strings.TrimLeft(body, "\n")
}

// firstHeading pulls the first markdown heading as a title fallback.
func firstHeading(body, fallback string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "#"))
		}
	}
	return fallback
}

// scanTranscript counts messages in a jsonl transcript and extracts a
// title from the first user message.
func scanTranscript(path string) (int, string) {
	f, err := os.Open(path)
	if err != nil {
		return 0, ""
	}
	defer f.Close()

	var count int
	var title string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		count++
		if title != "" {
			continue
		}
		var msg protocol.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Role == protocol.RoleUser {
			for _, part := range msg.Content {
				if part.Type == protocol.ContentText && part.Text != "" {
					title = truncate(part.Text, 80)
					break
				}
			}
		}
	}
	return count, title
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

func activeOf(docs []PlanDoc) []byte {
	for _, d := range docs {
		if d.Active {
			data, _ := json.Marshal(d)
			return data
		}
	}
	return []byte("null")
}

func runningOf(docs []PlanDoc) []byte {
	var running []PlanDoc
	for _, d := range docs {
		if d.Status == "running" {
			running = append(running, d)
		}
	}
	data, _ := json.Marshal(running)
	return data
}
