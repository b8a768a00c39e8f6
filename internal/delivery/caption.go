package delivery

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
)

// MaxCaptionLength is the Telegram limit for document captions, in characters.
const MaxCaptionLength = 1024

// CaptionData holds the run metadata shown next to the delivered file.
type CaptionData struct {
	Timestamp         time.Time
	Host              string
	RunID             string
	SourceDescription string
	Database          string
	ArtifactName      string
	Size              int64
	SHA256            string
	Encrypted         bool
	// DecryptedName is the archive name a recipient gets after decryption.
	DecryptedName string
}

// DecryptCommand returns the exact command that decrypts the delivered file.
func (d CaptionData) DecryptCommand() string {
	if !d.Encrypted {
		return ""
	}
	return fmt.Sprintf("age -d -o %s %s", d.DecryptedName, d.ArtifactName)
}

// BuildCaption renders the caption, keeping it within MaxCaptionLength.
// The source description is shortened first so the decrypt command is
// never cut.
func BuildCaption(d CaptionData) string {
	caption := renderCaption(d)
	if over := utf8.RuneCountInString(caption) - MaxCaptionLength; over > 0 && d.SourceDescription != "" {
		desc := []rune(d.SourceDescription)
		keep := len(desc) - over - 1
		if keep < 0 {
			keep = 0
		}
		d.SourceDescription = string(desc[:keep]) + "…"
		caption = renderCaption(d)
	}
	return truncateRunes(caption, MaxCaptionLength)
}

func renderCaption(d CaptionData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Backup %s\n", d.Host)
	fmt.Fprintf(&b, "Time: %s\n", d.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC"))
	if d.RunID != "" {
		fmt.Fprintf(&b, "Run: %s\n", d.RunID)
	}
	desc := d.SourceDescription
	if desc == "" {
		desc = "none"
	}
	fmt.Fprintf(&b, "Sources: %s\n", desc)
	db := d.Database
	if db == "" {
		db = "none"
	}
	fmt.Fprintf(&b, "Database: %s\n", db)
	fmt.Fprintf(&b, "File: %s", d.ArtifactName)
	if d.Size > 0 {
		fmt.Fprintf(&b, " (%s)", humanize.IBytes(uint64(d.Size)))
	}
	b.WriteString("\n")
	if d.SHA256 != "" {
		fmt.Fprintf(&b, "SHA-256: %s\n", d.SHA256)
	}
	if d.Encrypted {
		b.WriteString("Encrypted (age, passphrase). Decrypt with:\n")
		b.WriteString(d.DecryptCommand() + "\n")
		fmt.Fprintf(&b, "or: snapship decrypt %s\n", d.ArtifactName)
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-1]) + "…"
}
