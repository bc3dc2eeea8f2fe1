package publish

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// File is one member of a site. Generated files carry their bytes in Data;
// everything else is read from Path.
type File struct {
	Name string // forward-slash path relative to the site root
	Path string
	Size int64
	Data []byte
}

func (f File) open() (io.ReadCloser, error) {
	if f.Data != nil {
		return io.NopCloser(bytes.NewReader(f.Data)), nil
	}
	return os.Open(f.Path)
}

// Collect lists the regular files under dir, sorted by name. With
// renderReadme set, a site without a root index gets an index.html rendered
// from its README.md.
func Collect(dir string, renderReadme bool) ([]File, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	var files []File
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, File{Name: filepath.ToSlash(rel), Path: p, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if renderReadme && !hasIndex(files) {
		if readme, ok := find(files, "README.md"); ok {
			page, err := renderMarkdown(readme)
			if err != nil {
				return nil, fmt.Errorf("render README.md: %w", err)
			}
			files = append(files, File{Name: "index.html", Size: int64(len(page)), Data: page})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func hasIndex(files []File) bool {
	_, a := find(files, "index.html")
	_, b := find(files, "index.htm")
	return a || b
}

func find(files []File, name string) (File, bool) {
	for _, f := range files {
		if f.Name == name {
			return f, true
		}
	}
	return File{}, false
}

func renderMarkdown(f File) ([]byte, error) {
	src, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, err
	}
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var body bytes.Buffer
	if err := md.Convert(src, &body); err != nil {
		return nil, err
	}

	title := "README"
	for _, line := range strings.Split(string(src), "\n") {
		if t, ok := strings.CutPrefix(line, "# "); ok {
			title = strings.TrimSpace(t)
			break
		}
	}
	var page bytes.Buffer
	page.WriteString("<!doctype html>\n<html><head><meta charset=\"utf-8\">\n")
	page.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	fmt.Fprintf(&page, "<title>%s</title></head>\n<body>\n", html.EscapeString(title))
	page.Write(body.Bytes())
	page.WriteString("</body></html>\n")
	return page.Bytes(), nil
}

// WriteZip writes files to w as a deflated zip archive, in the given order.
func WriteZip(w io.Writer, files []File) error {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})
	for _, f := range files {
		if err := addFile(zw, f); err != nil {
			return fmt.Errorf("zip %s: %w", f.Name, err)
		}
	}
	return zw.Close()
}

func addFile(zw *zip.Writer, f File) error {
	hdr := &zip.FileHeader{Name: f.Name, Method: zip.Deflate}
	if f.Path != "" {
		if st, err := os.Stat(f.Path); err == nil {
			hdr.Modified = st.ModTime()
		}
	}
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	r, err := f.open()
	if err != nil {
		return err
	}
	defer r.Close()
	_, err = io.Copy(w, r)
	return err
}
