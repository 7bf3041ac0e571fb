// Package cli implements the agtdeck command surface: the live watch loop,
// one-shot REST reads, command submissions, and local journal and prefs
// inspection. Output is plain tab-separated text or JSON lines; errors print
// as "agtdeck: <err>".
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/g960059/agtdeck/internal/apiclient"
	"github.com/g960059/agtdeck/internal/client"
	"github.com/g960059/agtdeck/internal/config"
	"github.com/g960059/agtdeck/internal/db"
	"github.com/g960059/agtdeck/internal/model"
	"github.com/g960059/agtdeck/internal/runtime"
	"github.com/g960059/agtdeck/internal/security"
	"github.com/g960059/agtdeck/internal/stream"
)

// Version is stamped by the release build; the default marks a source build.
var Version = "dev"

type Runner struct {
	out    io.Writer
	errOut io.Writer
}

func NewRunner(out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{out: out, errOut: errOut}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	configPath, rest, err := parseGlobalArgs(args)
	if err != nil {
		return r.failUsage(err)
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return r.handleErr(err)
	}
	switch rest[0] {
	case "watch":
		return r.runWatch(ctx, cfg, configPath, rest[1:])
	case "tasks":
		return r.runTasks(ctx, cfg, rest[1:])
	case "runs":
		return r.runRuns(ctx, cfg, rest[1:])
	case "decisions":
		return r.runDecisions(ctx, cfg, rest[1:])
	case "initiatives":
		return r.runInitiatives(ctx, cfg, rest[1:])
	case "metrics":
		return r.runMetrics(ctx, cfg, rest[1:])
	case "resolve":
		return r.runResolve(ctx, cfg, rest[1:])
	case "cancel":
		return r.runCancel(ctx, cfg, rest[1:])
	case "pause":
		return r.runTaskOrSession(ctx, cfg, "pause", rest[1:])
	case "resume":
		return r.runTaskOrSession(ctx, cfg, "resume", rest[1:])
	case "journal":
		return r.runJournal(ctx, cfg, rest[1:])
	case "prefs":
		return r.runPrefs(ctx, cfg, rest[1:])
	case "doctor":
		return r.runDoctor(ctx, cfg, configPath, rest[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "agtdeck: unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func parseGlobalArgs(args []string) (string, []string, error) {
	path := ""
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--config" {
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--config requires value")
			}
			path = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return path, rest, nil
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: agtdeck [--config <path>] <watch|tasks|runs|decisions|initiatives|metrics|resolve|cancel|pause|resume|journal|prefs|doctor> ...")
}

func (r *Runner) runWatch(ctx context.Context, cfg config.Config, configPath string, args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON lines")
	if err := fs.Parse(args); err != nil {
		return r.failUsage(err)
	}
	if fs.NArg() > 0 {
		return r.usage("agtdeck watch [--json]")
	}

	c, err := client.New(ctx, cfg)
	if err != nil {
		return r.handleErr(err)
	}
	defer c.Close() //nolint:errcheck
	if err := c.PersistenceError(); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "agtdeck: journal disabled: %v\n", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	printer := newWatchPrinter(r.out, *jsonOut, cfg.WatchKinds)
	wake := make(chan struct{}, 1)
	poke := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	unsubscribe := c.Stores().Subscribe(poke)
	defer unsubscribe()
	c.OnStatusChange(func(stream.Status) { poke() })

	// Edits to the config file retune the displayed kinds while watch runs.
	watchPath := configPath
	if watchPath == "" {
		watchPath = config.ResolvePath()
	}
	go func() {
		err := config.Watch(ctx, watchPath, func(next config.Config) {
			printer.setKinds(next.WatchKinds)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			_, _ = fmt.Fprintf(r.errOut, "agtdeck: config watch: %v\n", err)
		}
	}()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	for {
		select {
		case <-ctx.Done():
			<-done
			return 0
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				return r.handleErr(err)
			}
			return 0
		case <-wake:
			printer.observe(c)
		}
	}
}

func (r *Runner) runTasks(ctx context.Context, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("tasks", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	status := fs.String("status", "", "filter by status")
	initiative := fs.String("initiative", "", "filter by initiative id")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return r.failUsage(err)
	}
	if fs.NArg() > 0 {
		return r.usage("agtdeck tasks [--status <s>] [--initiative <id>] [--json]")
	}
	tasks, err := r.api(ctx, cfg).ListTasks(ctx, apiclient.ListTasksOptions{Initiative: *initiative})
	if err != nil {
		return r.handleErr(err)
	}
	if want := strings.TrimSpace(*status); want != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.Status) == want {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	if *jsonOut {
		return r.writeJSON(tasks)
	}
	for _, t := range tasks {
		phase := t.CurrentPhase
		if phase == "" {
			phase = "-"
		}
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\n", t.ID, t.Status, phase, t.Title)
	}
	return 0
}

func (r *Runner) runRuns(ctx context.Context, cfg config.Config, args []string) int {
	id, rest := splitLeadingArg(args)
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	withTranscript := fs.Bool("transcript", false, "include the transcript tail")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(rest); err != nil {
		return r.failUsage(err)
	}
	if id == "" && fs.NArg() > 0 {
		id = fs.Arg(0)
	}
	if strings.TrimSpace(id) == "" {
		return r.usage("agtdeck runs <task> [--transcript] [--json]")
	}

	api := r.api(ctx, cfg)
	task, err := api.GetTask(ctx, id)
	if err != nil {
		return r.handleErr(err)
	}
	state, err := api.GetTaskState(ctx, id)
	hasState := err == nil
	if err != nil {
		var re *apiclient.RequestError
		if !errors.As(err, &re) || re.StatusCode != http.StatusNotFound {
			return r.handleErr(err)
		}
	}
	var transcript []model.TranscriptLine
	if *withTranscript {
		lines, err := api.Transcripts(ctx, id)
		if err != nil {
			return r.handleErr(err)
		}
		transcript = redactTranscript(lines)
	}

	if *jsonOut {
		out := struct {
			Task       model.Task             `json:"task"`
			State      *model.TaskState       `json:"state,omitempty"`
			Transcript []model.TranscriptLine `json:"transcript,omitempty"`
		}{Task: task, Transcript: transcript}
		if hasState {
			out.State = &state
		}
		return r.writeJSON(out)
	}

	_, _ = fmt.Fprintf(r.out, "run %s status=%s", task.ID, task.Status)
	phase := task.CurrentPhase
	if hasState && state.CurrentPhase != "" {
		phase = state.CurrentPhase
	}
	if phase != "" {
		_, _ = fmt.Fprintf(r.out, " phase=%s", phase)
	}
	if hasState && state.CurrentIteration > 0 {
		_, _ = fmt.Fprintf(r.out, " iteration=%d", state.CurrentIteration)
	}
	_, _ = fmt.Fprintln(r.out)

	if hasState {
		for _, name := range orderedPhases(state.Phases) {
			ph := state.Phases[name]
			_, _ = fmt.Fprintf(r.out, "phase %s\t%s", name, ph.Status)
			if ph.Iterations > 1 {
				_, _ = fmt.Fprintf(r.out, "\titerations=%d", ph.Iterations)
			}
			if ph.CommitSHA != "" {
				_, _ = fmt.Fprintf(r.out, "\tcommit=%s", ph.CommitSHA)
			}
			if ph.Error != "" {
				_, _ = fmt.Fprintf(r.out, "\terror=%s", ph.Error)
			}
			_, _ = fmt.Fprintln(r.out)
		}
		if state.Tokens.TotalTokens > 0 || state.Cost.TotalCostUSD > 0 {
			_, _ = fmt.Fprintf(r.out, "tokens=%d cost=$%.4f\n", state.Tokens.TotalTokens, state.Cost.TotalCostUSD)
		}
	}
	if task.CommitSHA != "" {
		_, _ = fmt.Fprintf(r.out, "result commit=%s", task.CommitSHA)
		if task.TargetBranch != "" {
			_, _ = fmt.Fprintf(r.out, " branch=%s", task.TargetBranch)
		}
		if task.RiskLevel != "" {
			_, _ = fmt.Fprintf(r.out, " risk=%s", task.RiskLevel)
		}
		_, _ = fmt.Fprintln(r.out)
	}
	for _, line := range transcript {
		if line.Phase != "" {
			_, _ = fmt.Fprintf(r.out, "[%s] %s\n", line.Phase, line.Content)
			continue
		}
		_, _ = fmt.Fprintln(r.out, line.Content)
	}
	return 0
}

func (r *Runner) runDecisions(ctx context.Context, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("decisions", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return r.failUsage(err)
	}
	if fs.NArg() > 0 {
		return r.usage("agtdeck decisions [--json]")
	}
	decisions, err := r.api(ctx, cfg).ListDecisions(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeJSON(decisions)
	}
	for _, d := range decisions {
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\n", d.ID, d.TaskID, d.Phase, d.Question)
	}
	return 0
}

func (r *Runner) runInitiatives(ctx context.Context, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("initiatives", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return r.failUsage(err)
	}
	if fs.NArg() > 0 {
		return r.usage("agtdeck initiatives [--json]")
	}
	initiatives, err := r.api(ctx, cfg).ListInitiatives(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeJSON(initiatives)
	}
	for _, in := range initiatives {
		status := string(in.Status)
		if status == "" {
			status = "-"
		}
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%d tasks\n", in.ID, status, in.Title, len(in.TaskIDs))
	}
	return 0
}

func (r *Runner) runMetrics(ctx context.Context, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("metrics", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return r.failUsage(err)
	}
	if fs.NArg() > 0 {
		return r.usage("agtdeck metrics [--json]")
	}
	stats, err := r.api(ctx, cfg).SessionStats(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeJSON(stats)
	}
	duration := time.Duration(stats.DurationSeconds * float64(time.Second)).Round(time.Second)
	_, _ = fmt.Fprintf(r.out, "duration=%s\n", duration)
	_, _ = fmt.Fprintf(r.out, "tokens=%d (in=%d out=%d)\n", stats.TotalTokens, stats.InputTokens, stats.OutputTokens)
	_, _ = fmt.Fprintf(r.out, "cost=$%.4f\n", stats.EstimatedCostUSD)
	_, _ = fmt.Fprintf(r.out, "tasks_running=%d\n", stats.TasksRunning)
	_, _ = fmt.Fprintf(r.out, "paused=%t\n", stats.IsPaused)
	return 0
}

func (r *Runner) runResolve(ctx context.Context, cfg config.Config, args []string) int {
	id, rest := splitLeadingArg(args)
	fs := flag.NewFlagSet("resolve", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	approve := fs.Bool("approve", false, "approve the gate")
	deny := fs.Bool("deny", false, "reject the gate")
	reason := fs.String("reason", "", "resolution reason")
	if err := fs.Parse(rest); err != nil {
		return r.failUsage(err)
	}
	if id == "" && fs.NArg() > 0 {
		id = fs.Arg(0)
	}
	if strings.TrimSpace(id) == "" || *approve == *deny {
		return r.usage("agtdeck resolve <decision-id> (--approve|--deny) [--reason <r>]")
	}
	if err := r.api(ctx, cfg).ResolveDecision(ctx, id, *approve, *reason); err != nil {
		return r.handleErr(err)
	}
	verdict := "approved"
	if *deny {
		verdict = "denied"
	}
	_, _ = fmt.Fprintf(r.out, "resolved %s: %s\n", id, verdict)
	return 0
}

func (r *Runner) runCancel(ctx context.Context, cfg config.Config, args []string) int {
	id, rest := splitLeadingArg(args)
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(rest); err != nil {
		return r.failUsage(err)
	}
	if id == "" && fs.NArg() > 0 {
		id = fs.Arg(0)
	}
	if strings.TrimSpace(id) == "" {
		return r.usage("agtdeck cancel <task>")
	}
	if err := r.api(ctx, cfg).CancelTask(ctx, id); err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "cancel requested for %s\n", id)
	return 0
}

// runTaskOrSession handles pause and resume: with a task argument the
// command targets that task, without one the whole session.
func (r *Runner) runTaskOrSession(ctx context.Context, cfg config.Config, action string, args []string) int {
	id, rest := splitLeadingArg(args)
	fs := flag.NewFlagSet(action, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(rest); err != nil {
		return r.failUsage(err)
	}
	if id == "" && fs.NArg() > 0 {
		id = fs.Arg(0)
	}
	api := r.api(ctx, cfg)
	var err error
	switch {
	case id != "" && action == "pause":
		err = api.PauseTask(ctx, id)
	case id != "" && action == "resume":
		err = api.ResumeTask(ctx, id)
	case action == "pause":
		err = api.PauseSession(ctx)
	default:
		err = api.ResumeSession(ctx)
	}
	if err != nil {
		return r.handleErr(err)
	}
	if id != "" {
		_, _ = fmt.Fprintf(r.out, "%s requested for %s\n", action, id)
	} else {
		_, _ = fmt.Fprintf(r.out, "session %s requested\n", action)
	}
	return 0
}

func (r *Runner) runJournal(ctx context.Context, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("journal", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	limit := fs.Int("limit", 50, "max rows, newest first")
	kind := fs.String("kind", "", "filter by event kind")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return r.failUsage(err)
	}
	if fs.NArg() > 0 {
		return r.usage("agtdeck journal [--limit <n>] [--kind <k>] [--json]")
	}
	local, err := db.OpenOrRecreate(ctx, cfg.DBPath)
	if err != nil {
		return r.handleErr(err)
	}
	defer local.Close() //nolint:errcheck
	rows, err := local.RecentEvents(ctx, *limit, strings.TrimSpace(*kind))
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeJSON(rows)
	}
	for _, row := range rows {
		entity := row.EntityID
		if entity == "" {
			entity = "-"
		}
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\n", row.ReceivedAt.Format(time.RFC3339), row.Kind, entity, row.Payload)
	}
	return 0
}

func (r *Runner) runPrefs(ctx context.Context, cfg config.Config, args []string) int {
	local, err := db.OpenOrRecreate(ctx, cfg.DBPath)
	if err != nil {
		return r.handleErr(err)
	}
	defer local.Close() //nolint:errcheck

	if len(args) == 0 {
		prefs, err := local.ListPrefs(ctx)
		if err != nil {
			return r.handleErr(err)
		}
		for _, p := range prefs {
			_, _ = fmt.Fprintf(r.out, "%s\t%s\n", p.Key, p.Value)
		}
		return 0
	}
	switch args[0] {
	case "get":
		if len(args) != 2 {
			return r.usage("agtdeck prefs get <key>")
		}
		value, err := local.LoadPref(ctx, args[1])
		if errors.Is(err, db.ErrNotFound) {
			return r.handleErr(fmt.Errorf("pref not found: %s", args[1]))
		}
		if err != nil {
			return r.handleErr(err)
		}
		_, _ = fmt.Fprintln(r.out, value)
		return 0
	case "set":
		if len(args) != 3 {
			return r.usage("agtdeck prefs set <key> <value>")
		}
		if err := local.SavePref(ctx, args[1], args[2]); err != nil {
			return r.handleErr(err)
		}
		_, _ = fmt.Fprintf(r.out, "set %s\n", args[1])
		return 0
	default:
		return r.usage("agtdeck prefs [get <key>|set <key> <value>]")
	}
}

type doctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (r *Runner) runDoctor(ctx context.Context, cfg config.Config, configPath string, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return r.failUsage(err)
	}
	if fs.NArg() > 0 {
		return r.usage("agtdeck doctor [--json]")
	}

	checks := make([]doctorCheck, 0, 6)
	add := func(name, status, message string) {
		checks = append(checks, doctorCheck{Name: name, Status: status, Message: message})
	}

	path := configPath
	if path == "" {
		path = config.ResolvePath()
	}
	if _, err := os.Stat(path); err == nil {
		add("config", "ok", path)
	} else {
		add("config", "ok", fmt.Sprintf("defaults (%s absent)", path))
	}

	hctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	if err := r.api(ctx, cfg).Health(hctx); err != nil {
		add("server", "fail", err.Error())
	} else {
		add("server", "ok", "reachable at "+cfg.ServerURL)
	}
	cancel()

	if streamURL, err := cfg.StreamURL(); err != nil {
		add("stream", "fail", err.Error())
	} else {
		add("stream", "ok", streamURL)
	}

	local, err := db.OpenOrRecreate(ctx, cfg.DBPath)
	if err != nil {
		add("database", "fail", err.Error())
		add("identity", "warn", "ephemeral (database unavailable)")
	} else {
		count, countErr := local.CountEvents(ctx)
		if countErr != nil {
			add("database", "fail", countErr.Error())
		} else {
			add("database", "ok", fmt.Sprintf("%d journaled events at %s", count, local.Path()))
		}
		id, idErr := runtime.ClientID(ctx, local)
		if idErr != nil {
			add("identity", "warn", fmt.Sprintf("%s (%v)", id, idErr))
		} else {
			add("identity", "ok", id)
		}
		_ = local.Close()
	}

	add("version", "ok", Version)

	ok := true
	for _, ck := range checks {
		if ck.Status == "fail" {
			ok = false
		}
	}
	if *jsonOut {
		out := struct {
			OK     bool          `json:"ok"`
			Checks []doctorCheck `json:"checks"`
		}{OK: ok, Checks: checks}
		if code := r.writeJSON(out); code != 0 {
			return code
		}
	} else {
		for _, ck := range checks {
			_, _ = fmt.Fprintf(r.out, "[%s] %s: %s\n", strings.ToUpper(ck.Status), ck.Name, ck.Message)
		}
		if ok {
			_, _ = fmt.Fprintln(r.out, "doctor: OK")
		} else {
			_, _ = fmt.Fprintln(r.out, "doctor: FAIL")
		}
	}
	if ok {
		return 0
	}
	return 1
}

// watchPrinter turns store notifications into output lines. observe runs on
// the watch goroutine only; setKinds may be called from the config watcher.
type watchPrinter struct {
	out  io.Writer
	json bool

	mu    sync.Mutex
	kinds map[string]bool

	primed   bool
	status   stream.Status
	statuses map[string]model.TaskStatus
	pending  map[string]bool
	finalize map[string]string
}

func newWatchPrinter(out io.Writer, jsonOut bool, kinds []string) *watchPrinter {
	p := &watchPrinter{
		out:      out,
		json:     jsonOut,
		statuses: make(map[string]model.TaskStatus),
		pending:  make(map[string]bool),
		finalize: make(map[string]string),
	}
	p.setKinds(kinds)
	return p
}

func (p *watchPrinter) setKinds(kinds []string) {
	set := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		if k = strings.TrimSpace(k); k != "" {
			set[k] = true
		}
	}
	p.mu.Lock()
	p.kinds = set
	p.mu.Unlock()
}

// want reports whether the display filter admits the kind. An empty filter
// admits everything.
func (p *watchPrinter) want(kind string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.kinds) == 0 || p.kinds[kind]
}

func (p *watchPrinter) observe(c *client.Client) {
	now := time.Now().UTC()

	if st := c.Status(); st != p.status {
		p.status = st
		p.emit(now, "stream", "stream "+string(st), map[string]any{"status": string(st)})
	}

	tasks := c.Stores().Tasks.List()
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		seen[t.ID] = true
		prev, known := p.statuses[t.ID]
		p.statuses[t.ID] = t.Status
		if !p.primed || (known && prev == t.Status) || !p.want("task_updated") {
			continue
		}
		if known {
			p.emit(now, "task", fmt.Sprintf("task %s %s -> %s", t.ID, prev, t.Status), map[string]any{
				"task_id": t.ID, "from": string(prev), "to": string(t.Status),
			})
		} else {
			p.emit(now, "task", fmt.Sprintf("task %s %s: %s", t.ID, t.Status, t.Title), map[string]any{
				"task_id": t.ID, "to": string(t.Status), "title": t.Title,
			})
		}
	}
	for id := range p.statuses {
		if seen[id] {
			continue
		}
		delete(p.statuses, id)
		delete(p.finalize, id)
		if p.primed && p.want("task_deleted") {
			p.emit(now, "task_deleted", "task "+id+" deleted", map[string]any{"task_id": id})
		}
	}

	decisions := c.Stores().Decisions.All()
	current := make(map[string]bool, len(decisions))
	for _, d := range decisions {
		current[d.ID] = true
		if p.pending[d.ID] {
			continue
		}
		p.pending[d.ID] = true
		// Pending gates print even on the first pass; they are the backlog
		// the operator is here for.
		if !p.want("decision_required") {
			continue
		}
		p.emit(now, "decision", fmt.Sprintf("decision %s task=%s phase=%s: %s", d.ID, d.TaskID, d.Phase, d.Question), map[string]any{
			"decision_id": d.ID, "task_id": d.TaskID, "phase": d.Phase, "question": d.Question,
		})
	}
	for id := range p.pending {
		if current[id] {
			continue
		}
		delete(p.pending, id)
		if p.primed && p.want("decision_resolved") {
			p.emit(now, "decision_resolved", "decision "+id+" resolved", map[string]any{"decision_id": id})
		}
	}

	for _, t := range tasks {
		run, ok := c.Stores().Runs.Get(t.ID)
		if !ok || run.Finalize == nil {
			continue
		}
		f := run.Finalize
		line := fmt.Sprintf("finalize %s %s", t.ID, f.Status)
		if f.Step != "" {
			line += " step=" + f.Step
		}
		if f.Progress > 0 {
			line += fmt.Sprintf(" %d%%", f.Progress)
		}
		if f.Error != "" {
			line += " error=" + f.Error
		}
		if p.finalize[t.ID] == line {
			continue
		}
		p.finalize[t.ID] = line
		if !p.primed || !p.want("finalize") {
			continue
		}
		p.emit(now, "finalize", line, map[string]any{
			"task_id": t.ID, "status": string(f.Status), "step": f.Step, "progress": f.Progress,
		})
	}

	p.primed = true
}

func (p *watchPrinter) emit(at time.Time, typ, line string, fields map[string]any) {
	if p.json {
		rec := make(map[string]any, len(fields)+2)
		for k, v := range fields {
			rec[k] = v
		}
		rec["type"] = typ
		rec["at"] = at.Format(time.RFC3339)
		_ = json.NewEncoder(p.out).Encode(rec)
		return
	}
	_, _ = fmt.Fprintf(p.out, "%s %s\n", at.Format("15:04:05"), line)
}

func (r *Runner) api(ctx context.Context, cfg config.Config) *apiclient.Client {
	return apiclient.New(cfg.ServerURL,
		apiclient.WithToken(cfg.Token),
		apiclient.WithClientID(clientIdentity(ctx, cfg)),
	)
}

// clientIdentity best-effort loads the persistent instance id. One-shot
// commands proceed anonymously when local state is unavailable.
func clientIdentity(ctx context.Context, cfg config.Config) string {
	local, err := db.OpenOrRecreate(ctx, cfg.DBPath)
	if err != nil {
		return ""
	}
	defer local.Close() //nolint:errcheck
	id, _ := runtime.ClientID(ctx, local)
	return id
}

// orderedPhases sorts phase names by start time, unstarted last, ties by
// name.
func orderedPhases(phases map[string]*model.PhaseState) []string {
	names := make([]string, 0, len(phases))
	for name := range phases {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := phases[names[i]], phases[names[j]]
		switch {
		case a.StartedAt == nil && b.StartedAt == nil:
		case a.StartedAt == nil:
			return false
		case b.StartedAt == nil:
			return true
		case !a.StartedAt.Equal(*b.StartedAt):
			return a.StartedAt.Before(*b.StartedAt)
		}
		return names[i] < names[j]
	})
	return names
}

// redactTranscript masks transcript content before it leaves the process.
func redactTranscript(lines []model.TranscriptLine) []model.TranscriptLine {
	out := make([]model.TranscriptLine, len(lines))
	for i, line := range lines {
		line.Content = security.Redact(line.Content)
		out[i] = line
	}
	return out
}

func splitLeadingArg(args []string) (string, []string) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return args[0], args[1:]
	}
	return "", args
}

func (r *Runner) writeJSON(v any) int {
	if err := json.NewEncoder(r.out).Encode(v); err != nil {
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "agtdeck: %v\n", err)
	return 1
}

func (r *Runner) failUsage(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "agtdeck: %v\n", err)
	return 2
}

func (r *Runner) usage(line string) int {
	_, _ = fmt.Fprintln(r.errOut, "usage: "+line)
	return 2
}
