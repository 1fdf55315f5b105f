// Package checkpoint manages versioned, per-session snapshots of task
// progress used to resume work in a fresh session after a crash, a
// pressure-triggered handoff, or an overnight-run restart.
package checkpoint

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codeready-toolchain/pilotd/pkg/fsstore"
)

// Step is one completed unit of work recorded in a checkpoint.
type Step struct {
	Step        int    `json:"step"`
	Description string `json:"description"`
	Result      string `json:"result"`
}

// Checkpoint is a single versioned snapshot for a session.
type Checkpoint struct {
	Version             int       `json:"version"`
	TaskID               string    `json:"task_id"`
	TaskTitle            string    `json:"task_title"`
	PlanStep             int       `json:"plan_step"`
	TotalSteps           int       `json:"total_steps"`
	CompletedSteps       []Step    `json:"completed_steps"`
	KeyDecisions         []string  `json:"key_decisions"`
	FilesModified        []string  `json:"files_modified"`
	CurrentContext       string    `json:"current_context"`
	ImportantFindings    []string  `json:"important_findings"`
	ToolCallCountAtSave  int       `json:"tool_call_count_at_save"`
	OutputBytesAtSave    int64     `json:"output_bytes_at_save"`
	SavedAt              time.Time `json:"saved_at"`
}

// Store persists checkpoints under <projectRoot>/state/checkpoints/<session>/.
// The live copy is v<N>.json; versions 1..N-1 move into an archive/
// subdirectory bounded by RetentionCount.
type Store struct {
	dir            string
	retentionCount int
	mu             sync.Mutex
}

// DefaultRetentionCount bounds how many archived (non-latest) versions
// are kept per session.
const DefaultRetentionCount = 10

// New returns a Store rooted at <projectRoot>/state/checkpoints, keeping
// up to retentionCount archived versions per session (DefaultRetentionCount
// if retentionCount <= 0).
func New(projectRoot string, retentionCount int) *Store {
	if retentionCount <= 0 {
		retentionCount = DefaultRetentionCount
	}
	return &Store{
		dir:            filepath.Join(projectRoot, "state", "checkpoints"),
		retentionCount: retentionCount,
	}
}

func (s *Store) sessionDir(session string) string {
	return filepath.Join(s.dir, session)
}

func (s *Store) archiveDir(session string) string {
	return filepath.Join(s.sessionDir(session), "archive")
}

func (s *Store) versionPath(session string, version int) string {
	return filepath.Join(s.sessionDir(session), fmt.Sprintf("v%d.json", version))
}

func (s *Store) archivePath(session string, version int) string {
	return filepath.Join(s.archiveDir(session), fmt.Sprintf("v%d.json", version))
}

// Save writes the next monotonically increasing version for session,
// moving the previous live version into the archive and trimming the
// archive to at most RetentionCount entries.
func (s *Store) Save(session string, data Checkpoint) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok, err := s.latestLocked(session)
	if err != nil {
		return Checkpoint{}, err
	}
	next := 1
	if ok {
		next = current.Version + 1
	}
	data.Version = next
	data.SavedAt = time.Now().UTC()

	if ok {
		if err := fsstore.WriteJSON(s.archivePath(session, current.Version), current); err != nil {
			return Checkpoint{}, fmt.Errorf("checkpoint: archive v%d: %w", current.Version, err)
		}
	}
	if err := fsstore.WriteJSON(s.versionPath(session, next), data); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: save v%d: %w", next, err)
	}
	if ok {
		_ = removeFile(s.versionPath(session, current.Version))
	}

	if err := s.trimArchiveLocked(session); err != nil {
		return data, err
	}
	return data, nil
}

// Load returns the latest checkpoint for session.
func (s *Store) Load(session string) (Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestLocked(session)
}

// ListHistory returns archived versions for session, newest first.
func (s *Store) ListHistory(session string) ([]Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, err := s.archivedVersionsLocked(session)
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.IntSlice(versions)))

	out := make([]Checkpoint, 0, len(versions))
	for _, v := range versions {
		var cp Checkpoint
		ok, err := fsstore.ReadJSON(s.archivePath(session, v), &cp)
		if err != nil || !ok {
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *Store) latestLocked(session string) (Checkpoint, bool, error) {
	// The live version is the numerically highest v<N>.json directly under
	// the session dir (not archive/).
	entries, err := listJSONVersions(s.sessionDir(session))
	if err != nil {
		return Checkpoint{}, false, err
	}
	if len(entries) == 0 {
		return Checkpoint{}, false, nil
	}
	sort.Ints(entries)
	latest := entries[len(entries)-1]

	var cp Checkpoint
	ok, err := fsstore.ReadJSON(s.versionPath(session, latest), &cp)
	if err != nil || !ok {
		return Checkpoint{}, false, nil
	}
	return cp, true, nil
}

func (s *Store) archivedVersionsLocked(session string) ([]int, error) {
	return listJSONVersions(s.archiveDir(session))
}

func (s *Store) trimArchiveLocked(session string) error {
	versions, err := s.archivedVersionsLocked(session)
	if err != nil {
		return err
	}
	if len(versions) <= s.retentionCount {
		return nil
	}
	sort.Ints(versions)
	toRemove := versions[:len(versions)-s.retentionCount]
	for _, v := range toRemove {
		_ = removeFile(s.archivePath(session, v))
	}
	return nil
}

// BuildRestorationPrompt renders cp as the markdown payload embedded into
// a respawn prompt. The checkpoint store owns this template, per §4.6.
func BuildRestorationPrompt(cp Checkpoint) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Resuming task %s: %s\n\n", cp.TaskID, cp.TaskTitle)
	fmt.Fprintf(&b, "Checkpoint v%d, saved %s. Plan step %d of %d.\n\n",
		cp.Version, cp.SavedAt.Format(time.RFC3339), cp.PlanStep, cp.TotalSteps)

	if len(cp.CompletedSteps) > 0 {
		b.WriteString("### Completed steps\n")
		for _, st := range cp.CompletedSteps {
			fmt.Fprintf(&b, "%d. %s - %s\n", st.Step, st.Description, st.Result)
		}
		b.WriteString("\n")
	}
	if len(cp.KeyDecisions) > 0 {
		b.WriteString("### Key decisions\n")
		for _, d := range cp.KeyDecisions {
			fmt.Fprintf(&b, "- %s\n", d)
		}
		b.WriteString("\n")
	}
	if len(cp.FilesModified) > 0 {
		b.WriteString("### Files modified so far\n")
		for _, f := range cp.FilesModified {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}
	if cp.CurrentContext != "" {
		fmt.Fprintf(&b, "### Current context\n%s\n\n", cp.CurrentContext)
	}
	if len(cp.ImportantFindings) > 0 {
		b.WriteString("### Important findings\n")
		for _, f := range cp.ImportantFindings {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	return b.String()
}

func listJSONVersions(dir string) ([]int, error) {
	entries, err := readDirNames(dir)
	if err != nil {
		return nil, err
	}
	var out []int
	for _, name := range entries {
		if !strings.HasPrefix(name, "v") || !strings.HasSuffix(name, ".json") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "v"), ".json"))
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}
