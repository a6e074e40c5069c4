package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"

	"nps-dashboard-server/config"
	"nps-dashboard-server/logger"
	"nps-dashboard-server/models"
)

// Snapshot describes an exported copy of a view.
type Snapshot struct {
	URL       string    `json:"url"`
	PublicID  string    `json:"public_id"`
	Records   int       `json:"records"`
	Score     int       `json:"nps_score"`
	CreatedAt time.Time `json:"created_at"`
}

// SnapshotExporter publishes a set of records somewhere the dashboard can link to.
type SnapshotExporter interface {
	Export(ctx context.Context, records []models.FeedbackRecord) (*Snapshot, error)
}

var csvHeader = []string{"uid", "user_id", "user_name", "company_id", "company_name", "role", "score", "reason", "created_at"}

// WriteCSV writes records as CSV with a header row.
func WriteCSV(w io.Writer, records []models.FeedbackRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			r.UID,
			r.UserID,
			r.UserName,
			r.CompanyID,
			r.CompanyName,
			string(r.Role),
			strconv.Itoa(r.Score),
			r.Reason,
			r.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

type assetUploader interface {
	Upload(ctx context.Context, file interface{}, params uploader.UploadParams) (*uploader.UploadResult, error)
}

// CloudinaryExporter uploads CSV snapshots as raw Cloudinary assets.
type CloudinaryExporter struct {
	upload assetUploader
	folder string
	clock  Clock
	log    *logger.Logger
}

// NewCloudinaryExporter returns ErrExportDisabled when credentials are missing.
func NewCloudinaryExporter(cfg config.CloudinaryConfig, clock Clock, log *logger.Logger) (*CloudinaryExporter, error) {
	if !cfg.Enabled() {
		return nil, ErrExportDisabled
	}
	cld, err := cloudinary.NewFromURL(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("init cloudinary: %w", err)
	}
	return newCloudinaryExporter(&cld.Upload, cfg.Folder, clock, log), nil
}

func newCloudinaryExporter(up assetUploader, folder string, clock Clock, log *logger.Logger) *CloudinaryExporter {
	if clock == nil {
		clock = SystemClock{}
	}
	return &CloudinaryExporter{
		upload: up,
		folder: folder,
		clock:  clock,
		log:    log.With("service", "CloudinaryExporter"),
	}
}

func (e *CloudinaryExporter) Export(ctx context.Context, records []models.FeedbackRecord) (*Snapshot, error) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, records); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	now := e.clock.Now().UTC()
	publicID := "nps-" + now.Format("20060102-150405") + ".csv"
	ow := true
	uf := false

	res, err := e.upload.Upload(ctx, &buf, uploader.UploadParams{
		Folder:         e.folder,
		PublicID:       publicID,
		Overwrite:      &ow,
		UniqueFilename: &uf,
		ResourceType:   "raw",
	})
	if err != nil {
		return nil, fmt.Errorf("upload snapshot: %w", err)
	}
	if res.Error.Message != "" {
		return nil, fmt.Errorf("upload snapshot: %s", res.Error.Message)
	}

	e.log.Info("snapshot exported", "public_id", res.PublicID, "records", len(records))
	return &Snapshot{
		URL:       res.SecureURL,
		PublicID:  res.PublicID,
		Records:   len(records),
		Score:     CalculateNPS(records),
		CreatedAt: now,
	}, nil
}
