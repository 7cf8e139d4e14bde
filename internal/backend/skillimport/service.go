// Package skillimport runs durable background imports of user-uploaded
// skill archives. Jobs queue in the database; a worker loop drains them
// and is woken early over the event bus.
package skillimport

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/runloom/runloom/internal/backend/events"
	"github.com/runloom/runloom/internal/backend/models"
	"github.com/runloom/runloom/internal/backend/repository/sqlite"
	"github.com/runloom/runloom/internal/common/apperr"
	"github.com/runloom/runloom/internal/common/logger"
	"github.com/runloom/runloom/internal/events/bus"
	"github.com/runloom/runloom/internal/storage"
)

var skillNameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Service owns skill import jobs.
type Service struct {
	repo  *sqlite.Repository
	blobs storage.BlobStore
	bus   bus.EventBus
	log   *logger.Logger
}

// New creates the skill import service.
func New(repo *sqlite.Repository, blobs storage.BlobStore, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{repo: repo, blobs: blobs, bus: eventBus, log: log}
}

// Enqueue creates a queued job for an uploaded archive and wakes the
// worker. selections limits the import to the named skills; empty means
// everything in the archive.
func (s *Service) Enqueue(ctx context.Context, userID, archiveKey string, selections []string) (*models.SkillImportJob, error) {
	if archiveKey == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "archive_key is required")
	}
	sel, err := json.Marshal(selections)
	if err != nil {
		return nil, err
	}

	job := &models.SkillImportJob{
		UserID:     userID,
		ArchiveKey: archiveKey,
		Selections: string(sel),
	}
	if err := s.repo.CreateSkillImportJob(ctx, job); err != nil {
		return nil, err
	}
	s.publishJob(ctx, job)

	if s.bus != nil {
		wake := bus.NewEvent("skill_import.wake", "backend.skillimport", map[string]any{"job_id": job.ID})
		if err := s.bus.Publish(ctx, events.SkillImportWake, wake); err != nil {
			s.log.WithError(err).Debug("failed to wake import worker")
		}
	}
	return job, nil
}

// Get returns a job owned by the user.
func (s *Service) Get(ctx context.Context, userID, jobID string) (*models.SkillImportJob, error) {
	job, err := s.repo.GetSkillImportJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, apperr.Newf(apperr.CodeNotFound, "skill import job %s not found", jobID)
	}
	if job.UserID != userID {
		return nil, apperr.New(apperr.CodeForbidden, "job belongs to another user")
	}
	return job, nil
}

// List returns a user's jobs, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]*models.SkillImportJob, error) {
	return s.repo.ListSkillImportJobs(ctx, userID, 0)
}

// StartWorker drains queued jobs until the context is canceled. A queue
// subscription wakes the loop when a job is enqueued; the sweep interval
// covers wakeups lost to restarts.
func (s *Service) StartWorker(ctx context.Context, sweep time.Duration) {
	if sweep <= 0 {
		sweep = 30 * time.Second
	}

	wake := make(chan struct{}, 1)
	if s.bus != nil {
		sub, err := s.bus.QueueSubscribe(events.SkillImportWake, "skill-import-workers",
			func(_ context.Context, _ *bus.Event) error {
				select {
				case wake <- struct{}{}:
				default:
				}
				return nil
			})
		if err != nil {
			s.log.WithError(err).Warn("failed to subscribe import worker wakeup")
		} else {
			go func() {
				<-ctx.Done()
				_ = sub.Unsubscribe()
			}()
		}
	}

	go func() {
		ticker := time.NewTicker(sweep)
		defer ticker.Stop()
		for {
			s.drain(ctx)
			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-ticker.C:
			}
		}
	}()
}

func (s *Service) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := s.repo.ClaimNextSkillImportJob(ctx)
		if err != nil {
			s.log.WithError(err).Error("failed to claim import job")
			return
		}
		if job == nil {
			return
		}
		s.processJob(ctx, job)
	}
}

func (s *Service) processJob(ctx context.Context, job *models.SkillImportJob) {
	log := s.log.WithFields(zap.String("job_id", job.ID), zap.String("user_id", job.UserID))
	log.Info("skill import started", zap.String("archive_key", job.ArchiveKey))
	s.publishJob(ctx, job)

	result, err := s.importArchive(ctx, job)
	if err != nil {
		log.WithError(err).Error("skill import failed")
		if ferr := s.repo.FinishSkillImportJob(ctx, job.ID, models.ImportFailed, "", err.Error()); ferr != nil {
			log.WithError(ferr).Error("failed to persist import failure")
		}
	} else {
		data, _ := json.Marshal(result)
		if ferr := s.repo.FinishSkillImportJob(ctx, job.ID, models.ImportSuccess, string(data), ""); ferr != nil {
			log.WithError(ferr).Error("failed to persist import result")
		}
		log.Info("skill import finished", zap.Strings("imported", result.Imported))
	}

	if final, err := s.repo.GetSkillImportJob(ctx, job.ID); err == nil && final != nil {
		s.publishJob(ctx, final)
	}
}

// ImportResult summarizes one finished import.
type ImportResult struct {
	Imported []string `json:"imported"`
	Skipped  []string `json:"skipped,omitempty"`
}

// importArchive downloads the uploaded zip, extracts each selected skill
// directory, uploads its files under the user's skill prefix, and
// registers a skill preset pointing at that prefix.
func (s *Service) importArchive(ctx context.Context, job *models.SkillImportJob) (*ImportResult, error) {
	data, err := s.blobs.GetObject(ctx, job.ArchiveKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeSkillDownloadFailed, "failed to fetch skill archive", err)
	}
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidInput, "archive is not a valid zip", err)
	}

	var selections []string
	_ = json.Unmarshal([]byte(job.Selections), &selections)
	selected := make(map[string]bool, len(selections))
	for _, name := range selections {
		selected[name] = true
	}

	// Group entries by top-level directory; each directory is one skill.
	bySkill := map[string][]*zip.File{}
	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		clean := path.Clean(strings.ReplaceAll(f.Name, "\\", "/"))
		if strings.HasPrefix(clean, "../") || path.IsAbs(clean) {
			continue
		}
		name, _, ok := strings.Cut(clean, "/")
		if !ok {
			continue
		}
		bySkill[name] = append(bySkill[name], f)
	}
	if len(bySkill) == 0 {
		return nil, apperr.New(apperr.CodeInvalidInput, "archive contains no skill directories")
	}

	names := make([]string, 0, len(bySkill))
	for name := range bySkill {
		names = append(names, name)
	}
	sort.Strings(names)

	result := &ImportResult{}
	done := 0
	for _, name := range names {
		done++
		if len(selected) > 0 && !selected[name] {
			continue
		}
		if !skillNameRe.MatchString(name) || name == "." || name == ".." {
			result.Skipped = append(result.Skipped, name)
			continue
		}

		prefix := storage.SkillPrefix(job.UserID, name)
		for _, f := range bySkill[name] {
			rel := strings.TrimPrefix(path.Clean(f.Name), name+"/")
			rc, err := f.Open()
			if err != nil {
				return nil, apperr.Wrap(apperr.CodeSkillDownloadFailed, "failed to read archive entry", err)
			}
			content, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return nil, apperr.Wrap(apperr.CodeSkillDownloadFailed, "failed to read archive entry", err)
			}
			if err := s.blobs.PutObject(ctx, prefix+rel, content, ""); err != nil {
				return nil, apperr.Wrap(apperr.CodeExternalService, "failed to upload skill file", err)
			}
		}

		preset := &models.Preset{
			Kind:          models.PresetSkill,
			Name:          name,
			Entry:         prefix,
			DefaultConfig: models.MarshalJSONMap(map[string]any{"source": prefix}),
			IsActive:      true,
		}
		if err := s.repo.UpsertPreset(ctx, preset); err != nil {
			return nil, err
		}
		result.Imported = append(result.Imported, name)

		progress := done * 100 / len(names)
		if err := s.repo.UpdateSkillImportProgress(ctx, job.ID, progress); err == nil {
			job.Progress = progress
			s.publishJob(ctx, job)
		}
	}
	return result, nil
}

func (s *Service) publishJob(ctx context.Context, job *models.SkillImportJob) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(events.TypeSkillImportJob, "backend.skillimport", map[string]any{
		"user_id": job.UserID,
		"job": map[string]any{
			"id":       job.ID,
			"status":   job.Status,
			"progress": job.Progress,
			"error":    job.Error,
		},
	})
	if err := s.bus.Publish(ctx, events.UserSubject(job.UserID), event); err != nil {
		s.log.WithError(err).Debug("failed to publish import job event")
	}
}
