package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// missingToken renders an absent measurement in the canonical record string.
// No integer renders as this token.
const missingToken = "NULL"

// FileDigest returns the lowercase hex SHA-256 of the file's full content.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("digest %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// RecordDigest hashes the canonical form of one observation:
// station|YYYY-MM-DD|max|min|precip.
func RecordDigest(stationID string, date time.Time, maxTemp, minTemp, precipitation Measurement) string {
	canonical := strings.Join([]string{
		stationID,
		NormalizeDate(date).Format(DateLayout),
		maxTemp.String(),
		minTemp.String(),
		precipitation.String(),
	}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
