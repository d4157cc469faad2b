// Package promotion copies selected features from the staging dataset to
// production and removes them from staging.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/feature-promotion/internal/core/arcgis"
	"github.com/mohammed-shakir/feature-promotion/internal/core/model"
	"github.com/mohammed-shakir/feature-promotion/internal/core/observability"
)

var (
	ErrEmptySelection     = errors.New("promotion: nothing selected")
	ErrProductionDisabled = errors.New("promotion: production dataset not configured")
	ErrCancelled          = errors.New("promotion: cancelled")
	ErrFetchFailed        = errors.New("promotion: fetch from staging failed")
	ErrInsertFailed       = errors.New("promotion: insert into production failed")
)

const (
	fetchBatch        = 500
	attachmentWorkers = 4
)

// Dataset is one feature layer; *arcgis.Layer implements it.
type Dataset interface {
	Query(ctx context.Context, q arcgis.Query) ([]model.Feature, error)
	ApplyEdits(ctx context.Context, adds []model.Feature, deletes []model.FeatureID) (arcgis.EditResult, error)
	QueryAttachments(ctx context.Context, ids []model.FeatureID) (map[model.FeatureID][]arcgis.AttachmentInfo, error)
	DownloadAttachment(ctx context.Context, oid model.FeatureID, attachmentID int64) ([]byte, error)
	AddAttachment(ctx context.Context, oid model.FeatureID, info arcgis.AttachmentInfo, data []byte) (int64, error)
	ObjectIDField() string
}

// Confirmer gates a promotion; it is asked once with the number of
// features about to move.
type Confirmer interface {
	Confirm(ctx context.Context, count int) (bool, error)
}

type ConfirmFunc func(ctx context.Context, count int) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, count int) (bool, error) { return f(ctx, count) }

// Confirmed answers every confirmation with yes.
func Confirmed(yes bool) Confirmer {
	return ConfirmFunc(func(context.Context, int) (bool, error) { return yes, nil })
}

type Status string

const (
	StatusPromoted Status = "promoted"
	StatusPartial  Status = "partial"
)

// Mapping pairs a staging id with the id production assigned.
type Mapping struct {
	Staging    model.FeatureID `json:"staging"`
	Production model.FeatureID `json:"production"`
}

type Result struct {
	Status   Status    `json:"status"`
	Promoted []Mapping `json:"promoted"`
	Warnings []string  `json:"warnings,omitempty"`
}

// StagingIDs lists the staging side of the promoted features.
func (r Result) StagingIDs() []model.FeatureID {
	out := make([]model.FeatureID, len(r.Promoted))
	for i, m := range r.Promoted {
		out[i] = m.Staging
	}
	return out
}

// Event is published after every promotion attempt that reached production.
type Event struct {
	ID        string    `json:"id"`
	At        time.Time `json:"at"`
	SessionID string    `json:"session_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Status    string    `json:"status"`
	Promoted  []Mapping `json:"promoted,omitempty"`
	Warnings  []string  `json:"warnings,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type Publisher interface {
	PublishPromotion(ctx context.Context, ev Event)
}

type Option func(*Workflow)

func WithPublisher(p Publisher) Option { return func(w *Workflow) { w.pub = p } }

func WithLogger(l *slog.Logger) Option { return func(w *Workflow) { w.logger = l } }

type Workflow struct {
	staging    Dataset
	production Dataset
	caps       model.Capabilities
	pub        Publisher
	logger     *slog.Logger
	now        func() time.Time
}

// New builds a workflow. production may be nil when the production
// capability is off.
func New(staging, production Dataset, caps model.Capabilities, opts ...Option) *Workflow {
	w := &Workflow{
		staging:    staging,
		production: production,
		caps:       caps,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Scope identifies who asked for a promotion in published events.
type Scope struct {
	SessionID string
	UserID    string
}

// Promote moves ids from staging to production. A nil error with
// StatusPartial means production holds the features but staging cleanup
// did not complete.
func (w *Workflow) Promote(ctx context.Context, scope Scope, ids []model.FeatureID, confirm Confirmer) (Result, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return Result{}, ErrEmptySelection
	}
	if !w.caps.Production || w.production == nil {
		return Result{}, ErrProductionDisabled
	}
	if confirm == nil {
		return Result{}, ErrCancelled
	}
	ok, err := confirm.Confirm(ctx, len(ids))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	if !ok {
		observability.IncPromotion("cancelled", 0)
		return Result{}, ErrCancelled
	}

	feats, err := w.fetch(ctx, ids)
	if err != nil {
		observability.IncPromotion("fetch_failed", 0)
		return Result{}, err
	}

	mappings, err := w.insert(ctx, feats)
	if err != nil {
		observability.IncPromotion("insert_failed", 0)
		w.publish(ctx, scope, Result{}, err)
		return Result{}, err
	}
	res := Result{Status: StatusPromoted, Promoted: mappings}

	if w.caps.Attachments {
		if warns := w.copyAttachments(ctx, mappings); len(warns) > 0 {
			res.Status = StatusPartial
			res.Warnings = append(res.Warnings, warns...)
			res.Warnings = append(res.Warnings, "staging records were kept because attachments were not fully copied")
		}
	}
	if res.Status == StatusPromoted {
		if warn := w.cleanup(ctx, res.StagingIDs()); warn != "" {
			res.Status = StatusPartial
			res.Warnings = append(res.Warnings, warn)
		}
	}

	observability.IncPromotion(string(res.Status), len(mappings))
	w.logger.InfoContext(ctx, "promotion finished",
		"status", string(res.Status), "count", len(mappings), "warnings", len(res.Warnings))
	w.publish(ctx, scope, res, nil)
	return res, nil
}

func (w *Workflow) fetch(ctx context.Context, ids []model.FeatureID) ([]model.Feature, error) {
	byID := make(map[model.FeatureID]model.Feature, len(ids))
	for batch := range slices.Chunk(ids, fetchBatch) {
		feats, err := w.staging.Query(ctx, arcgis.Query{ObjectIDs: batch, ReturnGeometry: true})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
		}
		for _, f := range feats {
			byID[f.ID] = f
		}
	}
	out := make([]model.Feature, 0, len(ids))
	var missing []string
	for _, id := range ids {
		f, ok := byID[id]
		if !ok {
			missing = append(missing, id.String())
			continue
		}
		out = append(out, f)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: not found in staging: %s", ErrFetchFailed, strings.Join(missing, ","))
	}
	return out, nil
}

// insert adds feats to production. On any per-feature failure the adds that
// did succeed are deleted again so production is left unchanged.
func (w *Workflow) insert(ctx context.Context, feats []model.Feature) ([]Mapping, error) {
	adds := make([]model.Feature, len(feats))
	for i, f := range feats {
		adds[i] = model.Feature{
			Attributes: w.copyAttributes(f.Attributes),
			Geometry:   f.Geometry,
		}
	}

	res, err := w.production.ApplyEdits(ctx, adds, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInsertFailed, err)
	}

	var (
		mappings []Mapping
		added    []model.FeatureID
		failures []string
	)
	for i, out := range res.Adds {
		if !out.Success {
			failures = append(failures, fmt.Sprintf("%d: %v", feats[i].ID, out.Error))
			continue
		}
		mappings = append(mappings, Mapping{Staging: feats[i].ID, Production: out.ObjectID})
		added = append(added, out.ObjectID)
	}
	if len(failures) == 0 {
		return mappings, nil
	}

	ierr := fmt.Errorf("%w: %s", ErrInsertFailed, strings.Join(failures, "; "))
	if len(added) > 0 {
		if cerr := w.compensate(ctx, added); cerr != nil {
			w.logger.ErrorContext(ctx, "compensating delete failed; production holds orphan records",
				"ids", added, "err", cerr)
			return nil, fmt.Errorf("%w (rollback of %d records failed: %w)", ierr, len(added), cerr)
		}
	}
	return nil, ierr
}

func (w *Workflow) compensate(ctx context.Context, ids []model.FeatureID) error {
	// the request may already be cancelled; the rollback still has to run
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	res, err := w.production.ApplyEdits(cctx, nil, ids)
	if err != nil {
		return err
	}
	for _, d := range res.Deletes {
		if !d.Success {
			return fmt.Errorf("delete %d: %v", d.ObjectID, d.Error)
		}
	}
	return nil
}

func (w *Workflow) copyAttachments(ctx context.Context, mappings []Mapping) []string {
	ids := make([]model.FeatureID, len(mappings))
	for i, m := range mappings {
		ids[i] = m.Staging
	}
	infos, err := w.staging.QueryAttachments(ctx, ids)
	if err != nil {
		return []string{fmt.Sprintf("list attachments: %v", err)}
	}

	type job struct {
		m    Mapping
		info arcgis.AttachmentInfo
	}
	var jobs []job
	for _, m := range mappings {
		for _, info := range infos[m.Staging] {
			jobs = append(jobs, job{m: m, info: info})
		}
	}
	if len(jobs) == 0 {
		return nil
	}

	warns := make([]string, len(jobs))
	var g errgroup.Group
	g.SetLimit(attachmentWorkers)
	for i, j := range jobs {
		g.Go(func() error {
			data, err := w.staging.DownloadAttachment(ctx, j.m.Staging, j.info.ID)
			if err == nil {
				_, err = w.production.AddAttachment(ctx, j.m.Production, j.info, data)
			}
			if err != nil {
				warns[i] = fmt.Sprintf("attachment %q of feature %d: %v", j.info.Name, j.m.Staging, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return slices.DeleteFunc(warns, func(s string) bool { return s == "" })
}

func (w *Workflow) cleanup(ctx context.Context, ids []model.FeatureID) string {
	res, err := w.staging.ApplyEdits(ctx, nil, ids)
	if err != nil {
		w.logger.WarnContext(ctx, "staging cleanup failed", "err", err)
		return fmt.Sprintf("features were promoted but could not be removed from staging: %v", err)
	}
	var failed []string
	for _, d := range res.Deletes {
		if !d.Success {
			failed = append(failed, d.ObjectID.String())
		}
	}
	if len(failed) > 0 {
		return "features were promoted but staging still holds " + strings.Join(failed, ",")
	}
	return ""
}

func (w *Workflow) publish(ctx context.Context, scope Scope, res Result, err error) {
	if w.pub == nil {
		return
	}
	ev := Event{
		ID:        uuid.NewString(),
		At:        w.now().UTC(),
		SessionID: scope.SessionID,
		UserID:    scope.UserID,
		Status:    string(res.Status),
		Promoted:  res.Promoted,
		Warnings:  res.Warnings,
	}
	if err != nil {
		ev.Status = "failed"
		ev.Error = err.Error()
	}
	w.pub.PublishPromotion(ctx, ev)
}

// copyAttributes drops fields production assigns itself.
func (w *Workflow) copyAttributes(in map[string]any) map[string]any {
	skip := map[string]bool{
		"objectid":      true,
		"globalid":      true,
		"shape__area":   true,
		"shape__length": true,
		strings.ToLower(w.staging.ObjectIDField()):    true,
		strings.ToLower(w.production.ObjectIDField()): true,
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if skip[strings.ToLower(k)] {
			continue
		}
		out[k] = v
	}
	return out
}

func dedupe(ids []model.FeatureID) []model.FeatureID {
	seen := make(map[model.FeatureID]struct{}, len(ids))
	out := make([]model.FeatureID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
