package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/palantir/palantir-compute-module-bounds-check/pkg/mockfoundry"
)

func main() {
	addr := defaultString("MOCK_FOUNDRY_ADDR", ":8080")
	inputDir := defaultString("MOCK_FOUNDRY_INPUT_DIR", "")
	uploadDir := defaultString("MOCK_FOUNDRY_UPLOAD_DIR", "/data/uploads")
	streamRIDs := defaultString("MOCK_FOUNDRY_STREAM_RIDS", "")
	bearerToken := defaultString("MOCK_FOUNDRY_BEARER_TOKEN", "")
	moduleToken := defaultString("MOCK_FOUNDRY_MODULE_AUTH_TOKEN", "")

	fs := flag.NewFlagSet("mock-foundry", flag.ExitOnError)
	fs.StringVar(&addr, "addr", addr, "Listen address")
	fs.StringVar(&inputDir, "input-dir", inputDir, "Seed directory laid out as <dir>/<rid>/<files> (env: MOCK_FOUNDRY_INPUT_DIR)")
	fs.StringVar(&uploadDir, "upload-dir", uploadDir, "Directory to persist committed uploads, empty disables (env: MOCK_FOUNDRY_UPLOAD_DIR)")
	fs.StringVar(&streamRIDs, "stream-rids", streamRIDs, "Comma-separated stream RIDs, each <rid> or <rid>:<branch> (env: MOCK_FOUNDRY_STREAM_RIDS)")
	fs.StringVar(&bearerToken, "bearer-token", bearerToken, "Require this bearer token on the dataset and stream APIs (env: MOCK_FOUNDRY_BEARER_TOKEN)")
	fs.StringVar(&moduleToken, "module-auth-token", moduleToken, "Require this Module-Auth-Token on the job endpoints (env: MOCK_FOUNDRY_MODULE_AUTH_TOKEN)")
	_ = fs.Parse(os.Args[1:])

	srv := mockfoundry.New(uploadDir)
	if inputDir != "" {
		if err := srv.SeedDir(inputDir); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "seed error: %v\n", err)
			os.Exit(1)
		}
	}
	for _, spec := range splitCSV(streamRIDs) {
		rid, branch, _ := strings.Cut(spec, ":")
		srv.CreateStream(rid, branch)
	}
	if bearerToken != "" {
		srv.RequireBearerToken(bearerToken)
	}
	if moduleToken != "" {
		srv.SetModuleAuthToken(moduleToken)
	}

	_, _ = fmt.Fprintf(os.Stdout, "mock-foundry listening on %s (input=%s upload=%s)\n", addr, inputDir, uploadDir)
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		v := strings.TrimSpace(p)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func defaultString(envVar string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(envVar))
	if v == "" {
		return fallback
	}
	return v
}
