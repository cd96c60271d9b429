package plugin

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/noetl/noetl/engine/auth"
	"github.com/xuri/excelize/v2"
	"google.golang.org/api/option"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// exportExcel runs the COPY source query, writes the result to an in-memory
// workbook, and delivers it to the COPY target (gs://, s3:// or a local path)
func (p *DuckDBPlugin) exportExcel(ctx context.Context, db *sql.DB, stmt string, items map[string]*auth.ResolvedAuth) (map[string]interface{}, error) {
	m := copyXlsxPattern.FindStringSubmatch(stmt)
	if m == nil {
		return nil, fmt.Errorf("statement is not a COPY ... TO form")
	}
	source := strings.TrimSpace(m[1])
	target := m[2]

	query := source
	if strings.HasPrefix(source, "(") && strings.HasSuffix(source, ")") {
		query = strings.TrimSpace(source[1 : len(source)-1])
	} else {
		query = fmt.Sprintf("SELECT * FROM %s", source)
	}

	columns, rows, err := queryRows(ctx, db, query, 0)
	if err != nil {
		return nil, fmt.Errorf("export query: %w", err)
	}

	workbook, err := buildWorkbook(columns, rows)
	if err != nil {
		return nil, err
	}

	if err := p.deliverWorkbook(ctx, target, workbook, items); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"target": target,
		"rows":   len(rows),
	}, nil
}

// buildWorkbook writes a header row plus data rows into a new workbook
func buildWorkbook(columns []string, rows []map[string]interface{}) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)

	header := make([]interface{}, len(columns))
	for i, col := range columns {
		header[i] = col
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return nil, fmt.Errorf("write header row: %w", err)
	}

	for i, row := range rows {
		values := make([]interface{}, len(columns))
		for j, col := range columns {
			values[j] = row[col]
		}
		cell := fmt.Sprintf("A%d", i+2)
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("serialize workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// deliverWorkbook routes the workbook to cloud storage or the local
// filesystem depending on the target scheme
func (p *DuckDBPlugin) deliverWorkbook(ctx context.Context, target string, data []byte, items map[string]*auth.ResolvedAuth) error {
	switch {
	case strings.HasPrefix(target, "gs://") || strings.HasPrefix(target, "gcs://"):
		bucket, key, err := splitBucketTarget(target)
		if err != nil {
			return err
		}
		return p.uploadGCS(ctx, bucket, key, data, items)

	case strings.HasPrefix(target, "s3://"):
		bucket, key, err := splitBucketTarget(target)
		if err != nil {
			return err
		}
		return p.uploadS3(ctx, bucket, key, data, items["s3"], "")

	default:
		if dir := filepath.Dir(target); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create export directory: %w", err)
			}
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return fmt.Errorf("write workbook %s: %w", target, err)
		}
		return nil
	}
}

// uploadGCS prefers a service-account client and falls back to HMAC keys
// through the S3-compatible endpoint
func (p *DuckDBPlugin) uploadGCS(ctx context.Context, bucket, key string, data []byte, items map[string]*auth.ResolvedAuth) error {
	item := items["gcs"]
	if item == nil {
		item = items[auth.DefaultAlias]
	}
	if item == nil {
		return fmt.Errorf("no gcs credential resolved for upload to %s", bucket)
	}

	if sa := serviceAccountJSON(item); sa != "" {
		client, err := storage.NewClient(ctx, option.WithCredentialsJSON([]byte(sa)))
		if err != nil {
			return fmt.Errorf("gcs client: %w", err)
		}
		defer client.Close()

		w := client.Bucket(bucket).Object(key).NewWriter(ctx)
		w.ContentType = xlsxContentType
		if _, err := w.Write(data); err != nil {
			w.Close()
			return fmt.Errorf("gcs upload %s/%s: %w", bucket, key, err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("gcs upload %s/%s: %w", bucket, key, err)
		}
		return nil
	}

	// HMAC fallback via the interoperability endpoint
	p.rt.Log.Debug("gcs upload falling back to hmac keys", "bucket", bucket)
	return p.uploadS3(ctx, bucket, key, data, item, "https://storage.googleapis.com")
}

// uploadS3 writes the workbook with static credentials from the resolved item
func (p *DuckDBPlugin) uploadS3(ctx context.Context, bucket, key string, data []byte, item *auth.ResolvedAuth, endpoint string) error {
	if item == nil {
		return fmt.Errorf("no s3 credential resolved for upload to %s", bucket)
	}
	keyID := payloadString(item, "key_id")
	secret := payloadString(item, "secret")
	if keyID == "" || secret == "" {
		return fmt.Errorf("credential %s missing key_id or secret for upload", item.Source)
	}
	region := payloadString(item, "region")
	if region == "" {
		region = "auto"
	}
	if endpoint == "" {
		endpoint = payloadString(item, "endpoint")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(keyID, secret, "")),
	)
	if err != nil {
		return fmt.Errorf("s3 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(xlsxContentType),
	})
	if err != nil {
		return fmt.Errorf("s3 upload %s/%s: %w", bucket, key, err)
	}
	return nil
}

func splitBucketTarget(target string) (bucket, key string, err error) {
	for _, prefix := range []string{"gs://", "gcs://", "s3://"} {
		target = strings.TrimPrefix(target, prefix)
	}
	parts := strings.SplitN(target, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("bucket target %q must be <bucket>/<key>", target)
	}
	return parts[0], parts[1], nil
}

func serviceAccountJSON(item *auth.ResolvedAuth) string {
	for _, field := range []string{"service_account", "service_account_json", "credentials_json"} {
		if v := payloadString(item, field); v != "" {
			return v
		}
	}
	return ""
}

func payloadString(item *auth.ResolvedAuth, key string) string {
	if item == nil || item.Payload == nil {
		return ""
	}
	if v, ok := item.Payload[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return ""
}
