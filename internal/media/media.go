// Package media renders the optional stage image and narration that
// accompany a stage message.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kingrea/agora/internal/chat"
	"github.com/kingrea/agora/internal/quest"
)

// ImageGenerator turns a prompt into image bytes.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) ([]byte, error)
}

// Synthesizer turns text into audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Renderer produces stage attachments and writes them under dir.
type Renderer struct {
	images ImageGenerator
	speech Synthesizer
	dir    string
	logger *zap.Logger
}

// NewRenderer returns a renderer. Either generator may be nil, which turns
// that medium off.
func NewRenderer(dir string, images ImageGenerator, speech Synthesizer, logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{images: images, speech: speech, dir: dir, logger: logger}
}

// Attachments renders what the quest's options ask for. Media that fail are
// left out and reported in the joined error; whatever succeeded is returned.
func (r *Renderer) Attachments(ctx context.Context, q *quest.Quest, stage quest.Stage) ([]chat.Attachment, error) {
	var files []chat.Attachment
	var errs []error
	if q.Options.Images && r.images != nil {
		a, err := r.image(ctx, stage)
		if err != nil {
			errs = append(errs, err)
		} else {
			files = append(files, a)
		}
	}
	if q.Options.Audio && r.speech != nil && strings.TrimSpace(stage.Message) != "" {
		a, err := r.audio(ctx, stage)
		if err != nil {
			errs = append(errs, err)
		} else {
			files = append(files, a)
		}
	}
	return files, errors.Join(errs...)
}

func (r *Renderer) image(ctx context.Context, stage quest.Stage) (chat.Attachment, error) {
	prompt := stage.Name
	if msg := strings.TrimSpace(stage.Message); msg != "" {
		prompt += ": " + msg
	}
	raw, err := r.images.Generate(ctx, prompt)
	if err != nil {
		return chat.Attachment{}, err
	}
	img, err := Overlay(raw, stage.Name)
	if err != nil {
		return chat.Attachment{}, err
	}
	return r.write("stage.png", img)
}

func (r *Renderer) audio(ctx context.Context, stage quest.Stage) (chat.Attachment, error) {
	audio, err := r.speech.Synthesize(ctx, stage.Message)
	if err != nil {
		return chat.Attachment{}, err
	}
	return r.write("stage.mp3", audio)
}

func (r *Renderer) write(name string, data []byte) (chat.Attachment, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return chat.Attachment{}, fmt.Errorf("media: ensure dir: %w", err)
	}
	path := filepath.Join(r.dir, uuid.NewString()+filepath.Ext(name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return chat.Attachment{}, fmt.Errorf("media: write %s: %w", name, err)
	}
	r.logger.Debug("stage media written", zap.String("path", path))
	return chat.Attachment{Name: name, Path: path}, nil
}
