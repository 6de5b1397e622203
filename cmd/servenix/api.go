// Copyright 2025 The servenix Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/gorilla/handlers"
	"github.com/servenix/servenix/internal/backend"
	"github.com/servenix/servenix/internal/buildlog"
	"github.com/servenix/servenix/internal/diff"
	"github.com/servenix/servenix/nixstore"
	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/log"
)

// maxRequestSize bounds the size of JSON request bodies.
const maxRequestSize = 4 * 1024 * 1024

// apiServer is the HTTP surface over a [backend.Server].
type apiServer struct {
	backend *backend.Server
	mux     *http.ServeMux
}

func newAPIServer(b *backend.Server) *apiServer {
	srv := &apiServer{
		backend: b,
		mux:     http.NewServeMux(),
	}
	buildCollection := handlers.MethodHandler{
		http.MethodPost: http.HandlerFunc(srv.startBuild),
		http.MethodGet:  http.HandlerFunc(srv.listBuilds),
		http.MethodHead: http.HandlerFunc(srv.listBuilds),
	}
	srv.mux.Handle("/build", buildCollection)
	srv.mux.Handle("/build/{$}", buildCollection)
	srv.mux.Handle("/build/{id}/status", handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(srv.showStatus),
		http.MethodHead: http.HandlerFunc(srv.showStatus),
	})
	srv.mux.Handle("/build/{id}/log", handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(srv.showLog),
	})
	srv.mux.Handle("/build/{id}/cancel", handlers.MethodHandler{
		http.MethodPost: http.HandlerFunc(srv.cancelBuild),
	})
	srv.mux.Handle("/diff", handlers.MethodHandler{
		http.MethodPost: http.HandlerFunc(srv.diffPaths),
	})
	srv.mux.Handle("/get-missing-paths", handlers.MethodHandler{
		http.MethodPost: http.HandlerFunc(srv.getMissingPaths),
	})
	srv.mux.Handle("/nix-cache-info", handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(srv.cacheInfo),
		http.MethodHead: http.HandlerFunc(srv.cacheInfo),
	})
	srv.mux.Handle("/nar/{file}", handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(srv.dumpNAR),
	})
	srv.mux.Handle("/{file}", handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(srv.narInfo),
		http.MethodHead: http.HandlerFunc(srv.narInfo),
	})
	return srv
}

func (srv *apiServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	srv.mux.ServeHTTP(w, r)
}

func writeJSON(ctx context.Context, w http.ResponseWriter, statusCode int, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Errorf(ctx, "Marshal response: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	w.Write(data)
	w.Write([]byte("\n"))
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxRequestSize)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (srv *apiServer) startBuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var args struct {
		Spec string `json:"spec"`
	}
	if !readJSON(w, r, &args) {
		return
	}
	if strings.TrimSpace(args.Spec) == "" {
		http.Error(w, "spec must not be empty", http.StatusBadRequest)
		return
	}
	b, err := srv.backend.StartBuild(ctx, args.Spec)
	if err != nil {
		log.Errorf(ctx, "Start build: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(ctx, w, http.StatusAccepted, struct {
		Identifier string         `json:"identifier"`
		Build      *backend.Build `json:"build"`
	}{
		Identifier: b.Identifier,
		Build:      b,
	})
}

func (srv *apiServer) listBuilds(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identifiers, err := srv.backend.RecentBuilds(ctx, 25)
	if err != nil {
		log.Errorf(ctx, "List builds: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	builds := make([]*backend.Build, len(identifiers))
	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(3)
	for i, id := range identifiers {
		if grpCtx.Err() != nil {
			break
		}
		grp.Go(func() error {
			b, err := srv.backend.Status(grpCtx, id)
			if err != nil {
				if errors.Is(err, backend.ErrUnknownBuild) {
					// Deleted between listing and lookup.
					return nil
				}
				return err
			}
			builds[i] = b
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		log.Errorf(ctx, "List builds: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	compact := builds[:0]
	for _, b := range builds {
		if b != nil {
			compact = append(compact, b)
		}
	}
	writeJSON(ctx, w, http.StatusOK, struct {
		Builds []*backend.Build `json:"builds"`
	}{Builds: compact})
}

func (srv *apiServer) showStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identifier := r.PathValue("id")
	b, err := srv.backend.Status(ctx, identifier)
	if errors.Is(err, backend.ErrUnknownBuild) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		log.Errorf(ctx, "Status: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(ctx, w, http.StatusOK, b)
}

// showLog streams build log events as server-sent events:
// the full history recorded so far, then live events until the build ends.
// Disconnecting does not affect the build.
func (srv *apiServer) showLog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identifier := r.PathValue("id")
	replay, live, err := srv.backend.Log(ctx, identifier)
	if errors.Is(err, backend.ErrUnknownBuild) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		log.Errorf(ctx, "Log: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	writeEvent := func(e buildlog.Event) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data); err != nil {
			return err
		}
		return nil
	}

	for _, e := range replay {
		if err := writeEvent(e); err != nil {
			return
		}
	}
	if flusher != nil {
		flusher.Flush()
	}
	if live == nil {
		return
	}
	for {
		e, err := live.Next(ctx)
		if err == io.EOF {
			return
		}
		if err != nil {
			// Client went away; the build keeps running.
			log.Debugf(ctx, "Log stream for %s ended: %v", identifier, err)
			return
		}
		if err := writeEvent(e); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (srv *apiServer) cancelBuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identifier := r.PathValue("id")
	err := srv.backend.Cancel(ctx, identifier)
	if errors.Is(err, backend.ErrUnknownBuild) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		log.Errorf(ctx, "Cancel: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (srv *apiServer) diffPaths(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var args struct {
		Left  string `json:"left"`
		Right string `json:"right"`
	}
	if !readJSON(w, r, &args) {
		return
	}
	dir := srv.backend.StoreDirectory()
	left, sub, err := dir.ParsePath(args.Left)
	if err != nil || sub != "" {
		http.Error(w, fmt.Sprintf("left: %q is not a store object", args.Left), http.StatusBadRequest)
		return
	}
	right, sub, err := dir.ParsePath(args.Right)
	if err != nil || sub != "" {
		http.Error(w, fmt.Sprintf("right: %q is not a store object", args.Right), http.StatusBadRequest)
		return
	}

	result, err := diff.Diff(left, right)
	var notFound *diff.NotFoundError
	if errors.As(err, &notFound) {
		http.Error(w, notFound.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		log.Errorf(ctx, "Diff: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(ctx, w, http.StatusOK, result)
}

// getMissingPaths takes a JSON array of store path strings
// and responds with the subset that is not present in the local store.
// Uploaders use it to decide which objects to push.
func (srv *apiServer) getMissingPaths(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var paths []string
	if !readJSON(w, r, &paths) {
		return
	}
	dir := srv.backend.StoreDirectory()
	missing := []string{}
	for _, raw := range paths {
		p, sub, err := dir.ParsePath(raw)
		if err != nil || sub != "" {
			// Not the name of a store object, so it cannot be present.
			missing = append(missing, raw)
			continue
		}
		exists, err := srv.backend.ObjectExists(ctx, p)
		if err != nil {
			log.Errorf(ctx, "Checking %s: %v", p, err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if !exists {
			missing = append(missing, raw)
		}
	}
	writeJSON(ctx, w, http.StatusOK, missing)
}

// cacheInfo serves the nix binary cache discovery document.
func (srv *apiServer) cacheInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/x-nix-cache-info")
	fmt.Fprintf(w, "StoreDir: %s\nWantMassQuery: 1\nPriority: 30\n", srv.backend.StoreDirectory())
}

// narInfo serves {digest}.narinfo documents describing store objects,
// compatible with nix's binary cache protocol.
func (srv *apiServer) narInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	digest, ok := strings.CutSuffix(r.PathValue("file"), ".narinfo")
	if !ok || !nixstore.IsDigest(digest) {
		http.NotFound(w, r)
		return
	}
	path, err := srv.backend.FindByDigest(ctx, digest)
	if err != nil {
		if backend.IsObjectNotExist(err) {
			http.NotFound(w, r)
			return
		}
		log.Errorf(ctx, "narinfo: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	info, err := srv.backend.ObjectInfo(ctx, path)
	if err != nil {
		if backend.IsObjectNotExist(err) {
			http.NotFound(w, r)
			return
		}
		log.Errorf(ctx, "narinfo: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	buf := new(strings.Builder)
	fmt.Fprintf(buf, "StorePath: %s\n", info.StorePath)
	fmt.Fprintf(buf, "URL: nar/%s.nar.bz2\n", info.StorePath.Digest())
	fmt.Fprintf(buf, "Compression: bzip2\n")
	fmt.Fprintf(buf, "NarHash: %s\n", info.NARHash)
	fmt.Fprintf(buf, "NarSize: %d\n", info.NARSize)
	refs := make([]string, 0, len(info.References))
	for _, ref := range info.References {
		refs = append(refs, ref.Base())
	}
	fmt.Fprintf(buf, "References: %s\n", strings.Join(refs, " "))
	if info.Deriver != "" {
		fmt.Fprintf(buf, "Deriver: %s\n", info.Deriver.Base())
	}

	w.Header().Set("Content-Type", "text/x-nix-narinfo")
	io.WriteString(w, buf.String())
}

// dumpNAR serves nar/{digest}.nar.bz2:
// the store object serialized in NAR format and compressed with bzip2.
func (srv *apiServer) dumpNAR(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	digest, ok := strings.CutSuffix(r.PathValue("file"), ".nar.bz2")
	if !ok || !nixstore.IsDigest(digest) {
		http.NotFound(w, r)
		return
	}
	path, err := srv.backend.FindByDigest(ctx, digest)
	if err != nil {
		if backend.IsObjectNotExist(err) {
			http.NotFound(w, r)
			return
		}
		log.Errorf(ctx, "nar: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-bzip2")
	bz, err := bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
	if err != nil {
		log.Errorf(ctx, "nar: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if err := srv.backend.DumpNAR(ctx, bz, path); err != nil {
		// Headers are already sent; all we can do is log and cut the stream.
		log.Errorf(ctx, "Dumping NAR for %s: %v", path, err)
		return
	}
	if err := bz.Close(); err != nil {
		log.Errorf(ctx, "Dumping NAR for %s: %v", path, err)
	}
}
