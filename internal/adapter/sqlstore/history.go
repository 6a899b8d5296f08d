package sqlstore

import (
	"context"

	"github.com/cwygoda/harvester/internal/domain"
)

// RecordDownload appends a download history record.
func (s *Store) RecordDownload(ctx context.Context, d *domain.Download) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO downloads (job_id, video_id, title, url, source, variant, kind, size_bytes, downloaded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.JobID, d.VideoID, d.Title, d.URL, string(d.Source), d.Variant, string(d.Kind),
		d.SizeBytes, nanos(d.DownloadedAt),
	)
	if err != nil {
		return wrap("record download", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return wrap("record download", err)
	}
	d.ID = id
	return nil
}

// ListDownloads returns the download history, newest first.
func (s *Store) ListDownloads(ctx context.Context, limit int) ([]domain.Download, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, video_id, title, url, source, variant, kind, size_bytes, downloaded_at
		 FROM downloads ORDER BY downloaded_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, wrap("list downloads", err)
	}
	defer rows.Close()

	var downloads []domain.Download
	for rows.Next() {
		var d domain.Download
		var source, kind string
		var at int64
		if err := rows.Scan(&d.ID, &d.JobID, &d.VideoID, &d.Title, &d.URL, &source, &d.Variant, &kind, &d.SizeBytes, &at); err != nil {
			return nil, wrap("list downloads", err)
		}
		d.Source = domain.Source(source)
		d.Kind = domain.MediaKind(kind)
		d.DownloadedAt = fromNanos(at)
		downloads = append(downloads, d)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list downloads", err)
	}
	return downloads, nil
}
