package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labforge/labforge/internal/db"
	"github.com/labforge/labforge/internal/events"
	"github.com/labforge/labforge/internal/imagesync"
	"github.com/labforge/labforge/internal/messaging"
	"github.com/labforge/labforge/internal/provider"
	"github.com/labforge/labforge/internal/topology"
)

// Job actions accepted by Submit.
const (
	ActionDeploy    = "deploy"
	ActionDestroy   = "destroy"
	ActionNodeStart = "node.start"
	ActionNodeStop  = "node.stop"
)

// ErrUnknownAction is returned for an action Submit does not recognize.
var ErrUnknownAction = errors.New("unknown job action")

// AgentClient is the slice of the host agent protocol job steps use.
type AgentClient interface {
	RunCommand(ctx context.Context, hostID string, argv []string) (messaging.CommandReply, error)
	GetResourceUsage(ctx context.Context, hostID string) (messaging.UsageReply, error)
}

// TopologyLoader resolves the declared topology for a lab, typically from
// its workspace directory.
type TopologyLoader func(lab *db.Lab) (*topology.Topology, error)

// step is one named unit of a job. A failing step fails the job; later
// steps do not run.
type step struct {
	name string
	run  func(ctx context.Context, jc *jobContext) error
}

type jobContext struct {
	job  *db.Job
	lab  *db.Lab
	topo *topology.Topology
	logf func(format string, args ...interface{})
}

// Orchestrator wraps multi-step lab operations as trackable jobs with an
// append-only log and cooperative cancellation at step boundaries.
type Orchestrator struct {
	store  *db.Store
	bus    *events.Bus
	agent  AgentClient
	images *imagesync.Coordinator
	loader TopologyLoader
	logDir string

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewOrchestrator(store *db.Store, bus *events.Bus, agent AgentClient, images *imagesync.Coordinator, loader TopologyLoader, logDir string) *Orchestrator {
	return &Orchestrator{
		store:   store,
		bus:     bus,
		agent:   agent,
		images:  images,
		loader:  loader,
		logDir:  logDir,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Submit enqueues a job and returns immediately. A second non-terminal job
// for the same lab is rejected with db.ErrConflictingJob.
func (o *Orchestrator) Submit(action string, labID, userID *uint, params map[string]string) (*db.Job, error) {
	steps, err := o.stepsFor(action)
	if err != nil {
		return nil, err
	}

	paramsJSON := ""
	if len(params) > 0 {
		blob, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		paramsJSON = string(blob)
	}

	job := &db.Job{
		JobID:   uuid.NewString(),
		LabID:   labID,
		UserID:  userID,
		Action:  action,
		Params:  paramsJSON,
		Status:  db.JobQueued,
		LogPath: filepath.Join(o.logDir, uuid.NewString()+".log"),
	}
	if err := o.store.CreateJob(job); err != nil {
		return nil, err
	}
	o.bus.Emit(events.TypeJobQueued, labID, &job.ID, map[string]interface{}{"action": action})

	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[job.JobID] = cancel
	o.mu.Unlock()

	go o.run(ctx, job, steps)
	return job, nil
}

// Cancel requests cooperative cancellation. Cancelling a finished job is a
// no-op, not an error.
func (o *Orchestrator) Cancel(jobID string) error {
	job, err := o.store.GetJob(jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case db.JobSucceeded, db.JobFailed, db.JobCancelled:
		return nil
	}

	o.mu.Lock()
	cancel, ok := o.cancels[jobID]
	o.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	// Queued but not yet picked up by a runner in this process.
	if err := o.store.UpdateJobStatus(jobID, db.JobCancelled); err != nil {
		if errors.Is(err, db.ErrJobTerminal) {
			return nil
		}
		return err
	}
	o.bus.Emit(events.TypeJobCancelled, job.LabID, &job.ID, nil)
	return nil
}

// ReadLog returns the job's log as written so far. The log can be read
// while the job is still appending to it.
func (o *Orchestrator) ReadLog(jobID string) (string, error) {
	job, err := o.store.GetJob(jobID)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(job.LogPath)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (o *Orchestrator) stepsFor(action string) ([]step, error) {
	switch action {
	case ActionDeploy:
		return []step{
			{"place nodes", o.stepPlaceNodes},
			{"sync images", o.stepSyncImages},
			{"start nodes", o.stepStartNodes},
			{"verify links", o.stepVerifyLinks},
		}, nil
	case ActionDestroy:
		return []step{
			{"stop nodes", o.stepStopNodes},
			{"tear down records", o.stepTearDown},
		}, nil
	case ActionNodeStart:
		return []step{{"start node", o.stepNodeAction(provider.ActionStart)}}, nil
	case ActionNodeStop:
		return []step{{"stop node", o.stepNodeAction(provider.ActionStop)}}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

// run executes the job's steps in order, appending to the log as it goes.
func (o *Orchestrator) run(ctx context.Context, job *db.Job, steps []step) {
	defer func() {
		o.mu.Lock()
		delete(o.cancels, job.JobID)
		o.mu.Unlock()
	}()

	logFile, err := os.OpenFile(job.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("[ERROR] Opening job log %s: %v", job.LogPath, err)
		o.finish(job, db.JobFailed, nil)
		return
	}
	defer logFile.Close()

	logf := func(format string, args ...interface{}) {
		line := fmt.Sprintf("%s %s\n", time.Now().Format(time.RFC3339), fmt.Sprintf(format, args...))
		if _, err := logFile.WriteString(line); err != nil {
			log.Printf("[ERROR] Writing job log %s: %v", job.JobID, err)
		}
	}

	if err := o.store.UpdateJobStatus(job.JobID, db.JobRunning); err != nil {
		// Already cancelled before the runner started.
		logf("job not started: %v", err)
		return
	}
	o.bus.Emit(events.TypeJobRunning, job.LabID, &job.ID, map[string]interface{}{"action": job.Action})
	logf("job %s started: action=%s", job.JobID, job.Action)

	jc := &jobContext{job: job, logf: logf}
	if job.LabID != nil {
		lab, err := o.store.GetLabByPK(*job.LabID)
		if err != nil {
			logf("lab lookup failed: %v", err)
			o.finish(job, db.JobFailed, logf)
			return
		}
		jc.lab = lab
		if job.Action == ActionDeploy {
			o.setLabState(lab, db.LabStateStarting, "")
		}
	}

	for _, st := range steps {
		if ctx.Err() != nil {
			logf("step %q not started: job cancelled", st.name)
			o.finish(job, db.JobCancelled, logf)
			return
		}
		logf("step %q started", st.name)
		err := st.run(ctx, jc)
		if ctx.Err() != nil {
			logf("step %q abandoned: job cancelled", st.name)
			o.finish(job, db.JobCancelled, logf)
			return
		}
		if err != nil {
			logf("step %q failed: %v", st.name, err)
			if jc.lab != nil {
				o.setLabState(jc.lab, db.LabStateError, fmt.Sprintf("step %q failed: %v", st.name, err))
			}
			o.finish(job, db.JobFailed, logf)
			return
		}
		logf("step %q succeeded", st.name)
	}

	if jc.lab != nil {
		switch job.Action {
		case ActionDeploy:
			o.setLabState(jc.lab, db.LabStateRunning, "")
		case ActionDestroy:
			o.setLabState(jc.lab, db.LabStateStopped, "")
		}
	}
	o.finish(job, db.JobSucceeded, logf)
}

func (o *Orchestrator) finish(job *db.Job, status string, logf func(string, ...interface{})) {
	if err := o.store.UpdateJobStatus(job.JobID, status); err != nil {
		log.Printf("[ERROR] Finishing job %s as %s: %v", job.JobID, status, err)
		return
	}
	if logf != nil {
		logf("job finished: %s", status)
	}
	eventType := map[string]string{
		db.JobSucceeded: events.TypeJobSucceeded,
		db.JobFailed:    events.TypeJobFailed,
		db.JobCancelled: events.TypeJobCancelled,
	}[status]
	o.bus.Emit(eventType, job.LabID, &job.ID, map[string]interface{}{"action": job.Action})
}

func (o *Orchestrator) setLabState(lab *db.Lab, state, stateError string) {
	if err := o.store.SetLabState(lab.ID, state, stateError); err != nil {
		log.Printf("[ERROR] Setting lab %s state to %s: %v", lab.LabID, state, err)
		return
	}
	o.bus.Emit(events.TypeLabState, &lab.ID, nil, map[string]interface{}{
		"state": state,
		"error": stateError,
	})
}
