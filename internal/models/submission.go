package models

import (
	"log"
	"os"
)

// Upload is a form file part staged to local disk before any CRM call.
type Upload struct {
	Field        string
	FileName     string
	Path         string
	ContentType  string
	Recompressed bool
}

// Submission is a single inbound form post: the multi-valued payload plus
// staged uploads. The staging directory is owned by the handling request
// and must be removed on every exit path.
type Submission struct {
	FormKey    string
	Payload    map[string]any
	Uploads    []Upload
	StagingDir string
}

// UploadsFor returns the staged uploads posted under the given form field.
func (s *Submission) UploadsFor(field string) []Upload {
	if field == "" {
		return nil
	}
	var out []Upload
	for _, u := range s.Uploads {
		if u.Field == field {
			out = append(out, u)
		}
	}
	return out
}

// Cleanup removes the staging directory. Safe to call when nothing was staged.
func (s *Submission) Cleanup() {
	if s.StagingDir == "" {
		return
	}
	if err := os.RemoveAll(s.StagingDir); err != nil {
		log.Printf("Warning: remove staging dir %s: %v", s.StagingDir, err)
	}
}
