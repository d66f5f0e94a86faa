package web

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/rs/zerolog/log"
)

type asset struct {
	body        []byte
	contentType string
	etag        string
}

// Pipeline transforms the embedded static files once at startup and serves
// them from memory.
type Pipeline struct {
	config  Config
	assets  map[string]*asset
	builtAt time.Time
	mu      sync.RWMutex
}

func NewPipeline(config Config) *Pipeline {
	return &Pipeline{
		config: config,
		assets: make(map[string]*asset),
	}
}

// Build walks the static tree and runs scripts and stylesheets through esbuild.
func (p *Pipeline) Build(static fs.FS) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	built := make(map[string]*asset)

	err := fs.WalkDir(static, ".", func(name string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}

		src, err := fs.ReadFile(static, name)
		if err != nil {
			return err
		}

		body, err := p.transform(name, src)
		if err != nil {
			return err
		}

		sum := sha256.Sum256(body)
		contentType := mime.TypeByExtension(path.Ext(name))
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		built["/"+name] = &asset{
			body:        body,
			contentType: contentType,
			etag:        hex.EncodeToString(sum[:8]),
		}

		log.Debug().Str("file", name).Int("src_bytes", len(src)).Int("bytes", len(body)).Msg("Built asset")
		return nil
	})
	if err != nil {
		return err
	}

	if len(built) == 0 {
		return errors.New("no static assets found")
	}

	p.assets = built
	p.builtAt = time.Now()
	return nil
}

func (p *Pipeline) transform(name string, src []byte) ([]byte, error) {
	var loader api.Loader
	switch path.Ext(name) {
	case ".js":
		loader = api.LoaderJS
	case ".css":
		loader = api.LoaderCSS
	default:
		return src, nil
	}

	result := api.Transform(string(src), api.TransformOptions{
		Loader:            loader,
		Sourcefile:        name,
		Target:            api.ES2020,
		MinifyWhitespace:  p.config.Minify,
		MinifyIdentifiers: p.config.Minify,
		MinifySyntax:      p.config.Minify,
	})

	if len(result.Errors) > 0 {
		for _, msg := range result.Errors {
			log.Error().Str("file", name).Str("error", msg.Text).Msg("Transform error")
		}
		return nil, fmt.Errorf("esbuild failed to transform %s", name)
	}

	return result.Code, nil
}

// URL returns the public path of an asset with a content hash for cache busting.
func (p *Pipeline) URL(name string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	a, ok := p.assets[name]
	if !ok {
		return name
	}
	return name + "?v=" + a.etag
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.RLock()
	a, ok := p.assets[r.URL.Path]
	builtAt := p.builtAt
	p.mu.RUnlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", a.contentType)
	w.Header().Set("ETag", `"`+a.etag+`"`)
	w.Header().Set("Cache-Control", "no-cache")

	http.ServeContent(w, r, r.URL.Path, builtAt, bytes.NewReader(a.body))
}
