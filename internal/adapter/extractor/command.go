package extractor

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cwygoda/harvester/internal/config"
	"github.com/cwygoda/harvester/internal/domain"
)

// Command runs a configured external command for matching URLs.
type Command struct {
	name    string
	pattern *regexp.Regexp
	command string
	args    []string
	kind    domain.MediaKind
}

// NewCommand creates an adapter from config. Args may use the {url} and
// {dir} placeholders; the command runs inside the job's scratch directory.
func NewCommand(ec config.ExtractorConfig) (*Command, error) {
	re, err := regexp.Compile(ec.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", ec.Pattern, err)
	}
	if ec.Command == "" {
		return nil, fmt.Errorf("extractor %q: command is required", ec.Name)
	}

	kind := domain.KindAudioVideo
	switch domain.MediaKind(ec.Kind) {
	case "", domain.KindAudioVideo:
	case domain.KindAudio:
		kind = domain.KindAudio
	default:
		return nil, fmt.Errorf("extractor %q: unknown kind %q", ec.Name, ec.Kind)
	}

	return &Command{
		name:    ec.Name,
		pattern: re,
		command: ec.Command,
		args:    ec.Args,
		kind:    kind,
	}, nil
}

func (c *Command) Name() string {
	return c.name
}

func (c *Command) Match(url string) bool {
	return c.pattern.MatchString(url)
}

// Resolve describes the URL without running the command; the command's
// output is only known after a fetch.
func (c *Command) Resolve(ctx context.Context, url string) (*domain.Metadata, error) {
	name, _ := fileName(url)
	return &domain.Metadata{
		URL:   url,
		Title: name,
		Variants: []domain.Variant{{
			ID:    directVariantID,
			Label: c.name,
			Kind:  c.kind,
		}},
	}, nil
}

func (c *Command) Fetch(ctx context.Context, req domain.FetchRequest) (*domain.Artifact, error) {
	switch req.Variant {
	case directVariantID, domain.SelectBest, domain.SelectBestAudio, domain.SelectBestVideo:
	default:
		return nil, domain.NoMatchingVariant(req.Variant)
	}

	args := make([]string, len(c.args))
	for i, arg := range c.args {
		arg = strings.ReplaceAll(arg, "{url}", req.URL)
		args[i] = strings.ReplaceAll(arg, "{dir}", req.Dir)
	}

	cmd := exec.CommandContext(ctx, c.command, args...)
	cmd.Dir = req.Dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		reason := fmt.Sprintf("%s failed: %s", c.command, strings.TrimSpace(string(output)))
		return nil, domain.TransientNetwork(reason, err)
	}

	path, size, err := collectArtifact(req.Dir)
	if err != nil {
		return nil, domain.Unavailable(fmt.Sprintf("%s produced no file", c.command), err)
	}
	log.Printf("%s: fetched %s (%d bytes)", c.name, filepath.Base(path), size)

	name := filepath.Base(path)
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	title := strings.TrimSuffix(name, filepath.Ext(name))

	return &domain.Artifact{
		Dir:      req.Dir,
		Path:     path,
		Filename: displayName(title, ext),
		Size:     size,
		Kind:     c.kind,
		Variant:  c.name,
		Title:    title,
	}, nil
}
