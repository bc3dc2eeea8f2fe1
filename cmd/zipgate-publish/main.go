package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"zipgate/internal/fetch"
	"zipgate/internal/manifest"
	"zipgate/internal/publish"
)

func main() {
	var (
		site       = pflag.String("site", getenvDefault("ZIPGATE_SITE", "website"), "site directory to publish")
		out        = pflag.String("out", "manifest.json", "where to write the manifest (- for stdout)")
		mode       = pflag.String("mode", "zip", "zip (one archive) or multi (one object per file)")
		entry      = pflag.String("entry", "", "entry document (default: the site's root index)")
		readme     = pflag.Bool("readme", true, "render README.md as index.html when the site has no index")
		target     = pflag.String("target", "cas", "upload target: cas, s3 or dir")
		casURL     = pflag.String("cas-url", os.Getenv("ZIPGATE_CAS_URL"), "content-addressed store base URL (target cas)")
		bucket     = pflag.String("s3-bucket", "", "bucket (target s3)")
		prefix     = pflag.String("s3-prefix", "", "key prefix (target s3)")
		s3Endpoint = pflag.String("s3-endpoint", os.Getenv("ZIPGATE_S3_ENDPOINT"), "S3-compatible endpoint (target s3)")
		dir        = pflag.String("dir", "", "output directory (target dir)")
		baseURL    = pflag.String("base-url", "", "URL the output directory is served under (target dir)")
		parallel   = pflag.Int("parallel", 6, "concurrent uploads in multi mode")
		timeout    = pflag.Duration("timeout", 30*time.Minute, "overall upload timeout")
	)
	pflag.Parse()

	m, err := manifest.ParseMode(*mode)
	if err != nil {
		log.Fatalf("--mode: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	var up publish.Uploader
	switch *target {
	case "cas":
		if *casURL == "" {
			log.Fatalf("--cas-url (or ZIPGATE_CAS_URL) is required for target cas")
		}
		up = &publish.CASUploader{Base: *casURL, Client: &http.Client{}}
	case "s3":
		if *bucket == "" {
			log.Fatalf("--s3-bucket is required for target s3")
		}
		client, err := fetch.NewS3Client(ctx, *s3Endpoint)
		if err != nil {
			log.Fatalf("s3 client: %v", err)
		}
		up = &publish.S3Uploader{API: client, Bucket: *bucket, Prefix: *prefix}
	case "dir":
		if *dir == "" {
			log.Fatalf("--dir is required for target dir")
		}
		up = &publish.DirUploader{Root: *dir, BaseURL: *baseURL}
	default:
		log.Fatalf("--target: unknown %q (want cas, s3 or dir)", *target)
	}

	res, err := publish.Publish(ctx, publish.Options{
		Dir:          *site,
		Mode:         m,
		Entry:        *entry,
		RenderReadme: *readme,
		Uploader:     up,
		Parallel:     *parallel,
	})
	if err != nil {
		log.Fatalf("publish: %v", err)
	}
	if err := publish.WriteManifest(*out, res.Manifest); err != nil {
		log.Fatalf("write manifest: %v", err)
	}

	if *out != "-" {
		fmt.Printf("Published %d files (%s) in %s mode.\n", res.Files, humanize.IBytes(uint64(res.Bytes)), res.Manifest.Mode)
		if ref := res.Manifest.ArchiveRef(); ref != "" {
			fmt.Printf("Archive reference (give this to a gateway):\n%s\n", ref)
		}
		fmt.Printf("Wrote manifest to: %s\n", *out)
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
