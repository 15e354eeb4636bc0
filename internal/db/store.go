package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrConflictingJob is returned when a non-terminal job already exists
	// for the same lab.
	ErrConflictingJob = errors.New("a job for this lab is already queued or running")
	// ErrJobTerminal is returned when updating a job that already reached a
	// terminal status.
	ErrJobTerminal = errors.New("job already reached a terminal status")
	// ErrInvalidTransition is returned for a backward or skipping image-sync
	// transition.
	ErrInvalidTransition = errors.New("invalid image sync transition")
)

// imageSyncRank orders the image-sync states so updates can only move
// forward. The two terminal states share a rank.
var imageSyncRank = map[string]int{
	ImageSyncUnset:    0,
	ImageSyncChecking: 1,
	ImageSyncSyncing:  2,
	ImageSyncSynced:   3,
	ImageSyncFailed:   3,
}

// Store wraps a GORM handle with the domain operations the control plane
// components share. All cross-component communication goes through these
// durable records.
type Store struct {
	DB *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{DB: db}
}

// --- Labs ---

func (s *Store) CreateLab(lab *Lab) error {
	if lab.State == "" {
		lab.State = LabStateQueued
	}
	lab.StateChangedAt = time.Now()
	return s.DB.Create(lab).Error
}

func (s *Store) GetLab(labID string) (*Lab, error) {
	var lab Lab
	if err := s.DB.First(&lab, "lab_id = ?", labID).Error; err != nil {
		return nil, err
	}
	return &lab, nil
}

// SetLabState records a lab state transition. An error state must carry a
// message; any other state clears it.
func (s *Store) SetLabState(labID uint, state, stateError string) error {
	if state == LabStateError && stateError == "" {
		return fmt.Errorf("lab %d: error state requires a message", labID)
	}
	if state != LabStateError {
		stateError = ""
	}
	return s.DB.Model(&Lab{}).Where("id = ?", labID).Updates(map[string]interface{}{
		"state":            state,
		"state_error":      stateError,
		"state_changed_at": time.Now(),
	}).Error
}

// DeleteLab removes a lab and everything it owns: placements, their node
// states, and link states. Jobs keep their lab reference for history.
func (s *Store) DeleteLab(labID uint) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		var placementIDs []uint
		if err := tx.Model(&NodePlacement{}).Where("lab_id = ?", labID).Pluck("id", &placementIDs).Error; err != nil {
			return err
		}
		if len(placementIDs) > 0 {
			if err := tx.Unscoped().Where("placement_id IN ?", placementIDs).Delete(&NodeState{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Unscoped().Where("lab_id = ?", labID).Delete(&NodePlacement{}).Error; err != nil {
			return err
		}
		if err := tx.Unscoped().Where("lab_id = ?", labID).Delete(&LinkState{}).Error; err != nil {
			return err
		}
		return tx.Unscoped().Delete(&Lab{}, labID).Error
	})
}

// ClearLabRuntime drops a lab's placements, node states and link states
// while keeping the lab record itself, as a destroy operation does.
func (s *Store) ClearLabRuntime(labID uint) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		var placementIDs []uint
		if err := tx.Model(&NodePlacement{}).Where("lab_id = ?", labID).Pluck("id", &placementIDs).Error; err != nil {
			return err
		}
		if len(placementIDs) > 0 {
			if err := tx.Unscoped().Where("placement_id IN ?", placementIDs).Delete(&NodeState{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Unscoped().Where("lab_id = ?", labID).Delete(&NodePlacement{}).Error; err != nil {
			return err
		}
		return tx.Unscoped().Where("lab_id = ?", labID).Delete(&LinkState{}).Error
	})
}

// --- Hosts ---

// UpsertHost records a heartbeat, creating the host row on first contact.
func (s *Store) UpsertHost(host *Host) error {
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "host_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"address", "status", "cpu_percent", "mem_percent", "disk_percent", "started_at", "local", "last_heartbeat"}),
	}).Create(host).Error
}

func (s *Store) ListHosts() ([]Host, error) {
	var hosts []Host
	err := s.DB.Order("host_id asc").Find(&hosts).Error
	return hosts, err
}

// MarkStaleHosts flags hosts silent since the cutoff and returns how many
// were flagged.
func (s *Store) MarkStaleHosts(cutoff time.Time) (int64, error) {
	res := s.DB.Model(&Host{}).
		Where("status = ? AND last_heartbeat < ?", HostHealthy, cutoff).
		Update("status", HostUnknown)
	return res.RowsAffected, res.Error
}

// --- Placements ---

// UpsertPlacement writes one node assignment, replacing the host of an
// existing row for the same (lab, node).
func (s *Store) UpsertPlacement(p *NodePlacement) error {
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "lab_id"}, {Name: "node_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"host_id", "node_definition_id"}),
	}).Create(p).Error
}

func (s *Store) PlacementsForLab(labID uint) ([]NodePlacement, error) {
	var placements []NodePlacement
	err := s.DB.Where("lab_id = ?", labID).Order("node_name asc").Find(&placements).Error
	return placements, err
}

func (s *Store) GetPlacement(labID uint, nodeName string) (*NodePlacement, error) {
	var p NodePlacement
	if err := s.DB.First(&p, "lab_id = ? AND node_name = ?", labID, nodeName).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetHostByPK(id uint) (*Host, error) {
	var h Host
	if err := s.DB.First(&h, id).Error; err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *Store) GetLabByPK(id uint) (*Lab, error) {
	var lab Lab
	if err := s.DB.First(&lab, id).Error; err != nil {
		return nil, err
	}
	return &lab, nil
}

// DeleteNodeDefinition removes a catalog entry and nulls the reference on
// any placement pointing at it. Placements degrade to name-only matching.
func (s *Store) DeleteNodeDefinition(id uint) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&NodePlacement{}).Where("node_definition_id = ?", id).
			Update("node_definition_id", nil).Error; err != nil {
			return err
		}
		return tx.Unscoped().Delete(&NodeDefinition{}, id).Error
	})
}

// FindNodeDefinitionByName matches a catalog entry by name, returning nil
// without error when none exists. Placements fall back to name-only
// matching after a definition is deleted.
func (s *Store) FindNodeDefinitionByName(name string) (*NodeDefinition, error) {
	var def NodeDefinition
	err := s.DB.First(&def, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// --- Node states ---

// EnsureNodeState creates the runtime record for a placement if it does not
// exist yet. The initial image-sync status is always unset.
func (s *Store) EnsureNodeState(placementID uint) (*NodeState, error) {
	state := NodeState{PlacementID: placementID, ImageSyncStatus: ImageSyncUnset}
	err := s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "placement_id"}},
		DoNothing: true,
	}).Create(&state).Error
	if err != nil {
		return nil, err
	}
	var out NodeState
	if err := s.DB.First(&out, "placement_id = ?", placementID).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) GetNodeState(placementID uint) (*NodeState, error) {
	var state NodeState
	if err := s.DB.First(&state, "placement_id = ?", placementID).Error; err != nil {
		return nil, err
	}
	return &state, nil
}

// AdvanceImageSync moves a node's image-sync status forward. Backward or
// skipping transitions are rejected.
func (s *Store) AdvanceImageSync(placementID uint, status, message string) error {
	toRank, ok := imageSyncRank[status]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	var state NodeState
	if err := s.DB.First(&state, "placement_id = ?", placementID).Error; err != nil {
		return err
	}
	fromRank := imageSyncRank[state.ImageSyncStatus]
	if toRank != fromRank+1 && !(state.ImageSyncStatus == ImageSyncChecking && toRank == 3) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, state.ImageSyncStatus, status)
	}
	return s.DB.Model(&NodeState{}).Where("placement_id = ?", placementID).Updates(map[string]interface{}{
		"image_sync_status":  status,
		"image_sync_message": message,
	}).Error
}

// ResetImageSync returns a failed or synced node to unset so an explicit
// re-submission can run the sync again.
func (s *Store) ResetImageSync(placementID uint) error {
	return s.DB.Model(&NodeState{}).Where("placement_id = ?", placementID).Updates(map[string]interface{}{
		"image_sync_status":  ImageSyncUnset,
		"image_sync_message": "",
	}).Error
}

// SetNodeAddresses records the management addresses reported for a node.
// The primary is the first element unless one is chosen explicitly.
func (s *Store) SetNodeAddresses(placementID uint, addrs []string) error {
	blob, err := json.Marshal(addrs)
	if err != nil {
		return err
	}
	primary := ""
	if len(addrs) > 0 {
		primary = addrs[0]
	}
	return s.DB.Model(&NodeState{}).Where("placement_id = ?", placementID).Updates(map[string]interface{}{
		"mgmt_ip":  primary,
		"mgmt_ips": string(blob),
	}).Error
}

// --- Link states ---

// UpsertLinkState creates or refreshes a link row. A new row always starts
// with an unknown actual state.
func (s *Store) UpsertLinkState(link *LinkState) error {
	if link.ActualState == "" {
		link.ActualState = LinkUnknown
	}
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "lab_id"}, {Name: "link_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"source_node", "source_interface", "target_node", "target_interface", "desired_state", "recheck"}),
	}).Create(link).Error
}

func (s *Store) LinkStatesForLab(labID uint) ([]LinkState, error) {
	var links []LinkState
	err := s.DB.Where("lab_id = ?", labID).Order("link_name asc").Find(&links).Error
	return links, err
}

func (s *Store) SetLinkDesired(labID uint, linkName, desired string) error {
	return s.DB.Model(&LinkState{}).
		Where("lab_id = ? AND link_name = ?", labID, linkName).
		Update("desired_state", desired).Error
}

// LinksNeedingObservation returns links whose actual state has not been
// confirmed within the polling interval, plus any flagged for recheck.
func (s *Store) LinksNeedingObservation(interval time.Duration) ([]LinkState, error) {
	cutoff := time.Now().Add(-interval)
	var links []LinkState
	err := s.DB.Where("recheck = ? OR last_observed_at < ?", true, cutoff).
		Order("lab_id asc, link_name asc").Find(&links).Error
	return links, err
}

// RecordLinkObservation stores the outcome of one direct observation. A
// failed observation always lands as unknown, never a stale prior value.
func (s *Store) RecordLinkObservation(id uint, actual, errMessage string) error {
	return s.DB.Model(&LinkState{}).Where("id = ?", id).Updates(map[string]interface{}{
		"actual_state":     actual,
		"error_message":    errMessage,
		"last_observed_at": time.Now(),
		"recheck":          false,
	}).Error
}

// FlagLinksForRecheck marks every link touching the named node for
// immediate re-verification, used when an endpoint moves hosts.
func (s *Store) FlagLinksForRecheck(labID uint, nodeName string) error {
	return s.DB.Model(&LinkState{}).
		Where("lab_id = ? AND (source_node = ? OR target_node = ?)", labID, nodeName, nodeName).
		Update("recheck", true).Error
}

// --- Jobs ---

// CreateJob inserts a job, rejecting it when the lab already has a
// non-terminal one. The check and insert share a transaction so concurrent
// submissions cannot both pass.
func (s *Store) CreateJob(job *Job) error {
	if job.Status == "" {
		job.Status = JobQueued
	}
	return s.DB.Transaction(func(tx *gorm.DB) error {
		if job.LabID != nil {
			var count int64
			err := tx.Model(&Job{}).
				Where("lab_id = ? AND status IN ?", *job.LabID, []string{JobQueued, JobRunning}).
				Count(&count).Error
			if err != nil {
				return err
			}
			if count > 0 {
				return ErrConflictingJob
			}
		}
		return tx.Create(job).Error
	})
}

func (s *Store) GetJob(jobID string) (*Job, error) {
	var job Job
	if err := s.DB.First(&job, "job_id = ?", jobID).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateJobStatus moves a job forward. Terminal statuses are immutable;
// attempting to change one returns ErrJobTerminal.
func (s *Store) UpdateJobStatus(jobID, status string) error {
	res := s.DB.Model(&Job{}).
		Where("job_id = ? AND status NOT IN ?", jobID, []string{JobSucceeded, JobFailed, JobCancelled}).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrJobTerminal
	}
	return nil
}

func (s *Store) JobsForLab(labID uint) ([]Job, error) {
	var jobs []Job
	err := s.DB.Where("lab_id = ?", labID).Order("created_at asc").Find(&jobs).Error
	return jobs, err
}

// --- Webhooks ---

func (s *Store) CreateWebhook(w *Webhook) error {
	return s.DB.Create(w).Error
}

func (s *Store) GetWebhook(webhookID string) (*Webhook, error) {
	var w Webhook
	if err := s.DB.First(&w, "webhook_id = ?", webhookID).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// WebhooksForEvent returns the enabled webhooks subscribed to the event
// type whose scope matches the lab. A nil lab scope matches every lab.
func (s *Store) WebhooksForEvent(event string, labID *uint) ([]Webhook, error) {
	var hooks []Webhook
	if err := s.DB.Where("enabled = ?", true).Order("webhook_id asc").Find(&hooks).Error; err != nil {
		return nil, err
	}
	matched := hooks[:0]
	for _, h := range hooks {
		if h.LabID != nil && (labID == nil || *h.LabID != *labID) {
			continue
		}
		if !h.SubscribedTo(event) {
			continue
		}
		matched = append(matched, h)
	}
	return matched, nil
}

// SubscribedTo reports whether the webhook's event set contains the type.
func (w *Webhook) SubscribedTo(event string) bool {
	var events []string
	if err := json.Unmarshal([]byte(w.Events), &events); err != nil {
		return false
	}
	for _, e := range events {
		if e == event {
			return true
		}
	}
	return false
}

// ExtraHeaders decodes the configured additional request headers.
func (w *Webhook) ExtraHeaders() map[string]string {
	headers := map[string]string{}
	if w.Headers != "" {
		_ = json.Unmarshal([]byte(w.Headers), &headers)
	}
	return headers
}

// RecordDelivery appends one audit row and refreshes the webhook's
// last-delivery summary.
func (s *Store) RecordDelivery(d *WebhookDelivery) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(d).Error; err != nil {
			return err
		}
		now := time.Now()
		return tx.Model(&Webhook{}).Where("id = ?", d.WebhookRef).Updates(map[string]interface{}{
			"last_delivery_at": &now,
			"last_status_code": d.StatusCode,
			"last_error":       d.Error,
		}).Error
	})
}

func (s *Store) ListDeliveries(webhookRef uint) ([]WebhookDelivery, error) {
	var deliveries []WebhookDelivery
	err := s.DB.Where("webhook_ref = ?", webhookRef).Order("id asc").Find(&deliveries).Error
	return deliveries, err
}

// DeleteWebhook removes a webhook and its delivery history.
func (s *Store) DeleteWebhook(id uint) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Where("webhook_ref = ?", id).Delete(&WebhookDelivery{}).Error; err != nil {
			return err
		}
		return tx.Unscoped().Delete(&Webhook{}, id).Error
	})
}
