// Package publish turns a site directory into uploaded objects plus the
// manifest a gateway serves them by.
package publish

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"os"
	"path"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"zipgate/internal/manifest"
)

// ContentStaticSite is the content label written to every manifest.
const ContentStaticSite = "static-website"

type Options struct {
	Dir          string
	Mode         manifest.Mode // zip when empty
	Entry        string        // defaults to the site's root index
	RenderReadme bool
	Uploader     Uploader
	// Parallel bounds concurrent uploads in multi mode.
	Parallel int
	Now      func() time.Time
}

type Result struct {
	Manifest *manifest.Manifest
	Files    int
	Bytes    int64 // uploaded bytes
}

// Publish collects the site, uploads it and returns the manifest describing
// it. The manifest is not written anywhere.
func Publish(ctx context.Context, opts Options) (*Result, error) {
	if opts.Uploader == nil {
		return nil, errors.New("publish: no uploader")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Parallel <= 0 {
		opts.Parallel = 4
	}
	files, err := Collect(opts.Dir, opts.RenderReadme)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s: no files to publish", opts.Dir)
	}

	m := &manifest.Manifest{
		Mode:      opts.Mode,
		Entry:     entryFor(files, opts.Entry),
		CreatedAt: opts.Now().UTC().Format(time.RFC3339),
		Content:   ContentStaticSite,
	}
	res := &Result{Manifest: m, Files: len(files)}
	switch opts.Mode {
	case "", manifest.ModeZip:
		m.Mode = manifest.ModeZip
		err = publishZip(ctx, opts, files, res)
	case manifest.ModeMulti:
		err = publishAssets(ctx, opts, files, res)
	default:
		err = fmt.Errorf("publish: unknown mode %q", opts.Mode)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func entryFor(files []File, want string) string {
	if want != "" {
		return path.Clean("/" + want)
	}
	for _, name := range []string{"index.html", "index.htm"} {
		if _, ok := find(files, name); ok {
			return "/" + name
		}
	}
	return manifest.DefaultEntry
}

func publishZip(ctx context.Context, opts Options, files []File, res *Result) error {
	tmp, err := os.CreateTemp("", "zipgate-site-*.zip")
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hasher := blake3.New()
	if err := WriteZip(io.MultiWriter(tmp, hasher), files); err != nil {
		return err
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}
	digest := hex.EncodeToString(hasher.Sum(nil))
	log.Printf("zipped %d files: %s", len(files), humanize.IBytes(uint64(size)))

	ref, err := opts.Uploader.Upload(ctx, "site-"+digest[:16]+".zip", tmp, size)
	if err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}
	log.Printf("uploaded archive: %s", humanize.IBytes(uint64(size)))
	res.Manifest.Zip = &manifest.Zip{URL: ref, Size: size, Digest: digest}
	res.Bytes = size
	return nil
}

func publishAssets(ctx context.Context, opts Options, files []File, res *Result) error {
	var mu sync.Mutex
	assets := make(map[string]manifest.Asset, len(files))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Parallel)
	for _, f := range files {
		f := f
		g.Go(func() error {
			a, err := uploadAsset(ctx, opts.Uploader, f)
			if err != nil {
				return fmt.Errorf("upload %s: %w", f.Name, err)
			}
			mu.Lock()
			assets["/"+f.Name] = a
			res.Bytes += a.Size
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	res.Manifest.Assets = assets
	log.Printf("uploaded %d assets: %s", len(assets), humanize.IBytes(uint64(res.Bytes)))
	return nil
}

func uploadAsset(ctx context.Context, u Uploader, f File) (manifest.Asset, error) {
	digest, size, err := digestFile(f)
	if err != nil {
		return manifest.Asset{}, err
	}
	r, err := f.open()
	if err != nil {
		return manifest.Asset{}, err
	}
	defer r.Close()
	ref, err := u.Upload(ctx, digest[:16]+"/"+f.Name, r, size)
	if err != nil {
		return manifest.Asset{}, err
	}
	return manifest.Asset{Type: contentType(f.Name), URL: ref, Size: size, Digest: digest}, nil
}

func digestFile(f File) (string, int64, error) {
	r, err := f.open()
	if err != nil {
		return "", 0, err
	}
	defer r.Close()
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func contentType(name string) string {
	return mime.TypeByExtension(path.Ext(name))
}

// WriteManifest encodes m to path, or to stdout when path is "-".
func WriteManifest(p string, m *manifest.Manifest) error {
	b, err := manifest.Encode(m)
	if err != nil {
		return err
	}
	if p == "-" {
		_, err = os.Stdout.Write(b)
		return err
	}
	return os.WriteFile(p, b, 0o644)
}
