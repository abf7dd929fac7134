package certificate

import (
	"bytes"
	"embed"
	"encoding/hex"
	"fmt"
	"strings"
	"text/template"
	"time"

	"golang.org/x/crypto/blake2b"

	"atsflow/internal/session/models"
)

//go:embed templates/certificate.tmpl
var templateFS embed.FS

// Renderer produces the certificate document.
type Renderer struct {
	tmpl *template.Template
}

func NewRenderer() (*Renderer, error) {
	tmpl, err := template.New("certificate.tmpl").Funcs(template.FuncMap{
		"date":  func(t time.Time) string { return t.UTC().Format("2006-01-02") },
		"stamp": func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
		"upper": func(v any) string { return strings.ToUpper(fmt.Sprint(v)) },
	}).ParseFS(templateFS, "templates/certificate.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse certificate template: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

type documentData struct {
	Certificate  *models.Certificate
	SubResults   []models.SubResult
	Participants models.Participants
}

// Render returns the document for cert and its blake2b-256 digest.
func (r *Renderer) Render(session *models.TestSession, cert *models.Certificate) ([]byte, string, error) {
	var buf bytes.Buffer
	err := r.tmpl.Execute(&buf, documentData{
		Certificate:  cert,
		SubResults:   session.SubResults,
		Participants: session.Participants,
	})
	if err != nil {
		return nil, "", fmt.Errorf("render certificate %s: %w", cert.Number, err)
	}
	sum := blake2b.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:]), nil
}
