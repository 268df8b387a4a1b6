package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/italolelis/edman/internal/downloads"
	"github.com/italolelis/edman/internal/logctx"
)

// Request kinds accepted by the dispatcher.
const (
	KindDownload   = "download"
	KindFileStates = "fetch_file_states"
)

// Downloader starts tracked downloads.
type Downloader interface {
	BeginDownload(ctx context.Context, sourceURL string, savePath []string, key string) (downloads.Handle, error)
}

// FileStater asks the helper which content keys it already holds.
type FileStater interface {
	FetchFileStates(ctx context.Context, keys []string) ([]bool, error)
}

// DownloadRequest is the payload of a download request.
type DownloadRequest struct {
	URL      string   `json:"url"`
	SavePath []string `json:"savePath"`
	Key      string   `json:"key"`
}

// DownloadResponse carries the handle of a started download.
type DownloadResponse struct {
	ID downloads.Handle `json:"id"`
}

// FileStatesRequest is the payload of a file states request.
type FileStatesRequest struct {
	Keys []string `json:"keys"`
}

// FileStatesResponse holds one flag per requested key.
type FileStatesResponse struct {
	Result []bool `json:"result"`
}

// Response is what a dispatched request resolves to.
type Response struct {
	Data any
	Err  error
}

// Request is one inbound request independent of how it arrived.
type Request struct {
	Kind    string
	Payload json.RawMessage
	Respond func(Response)
}

// Dispatcher routes inbound requests to the tracker and the helper.
type Dispatcher struct {
	downloader Downloader
	states     FileStater
}

func NewDispatcher(d Downloader, s FileStater) *Dispatcher {
	return &Dispatcher{downloader: d, states: s}
}

// Dispatch handles req and invokes req.Respond exactly once.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) {
	var once sync.Once

	respond := func(r Response) {
		once.Do(func() {
			if req.Respond != nil {
				req.Respond(r)
			}
		})
	}

	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "dispatcher panic", "kind", req.Kind, "panic", r)
			respond(Response{Err: fmt.Errorf("internal error handling %s", req.Kind)})
		}
	}()

	data, err := d.dispatch(ctx, req)
	respond(Response{Data: data, Err: err})
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) (any, error) {
	switch req.Kind {
	case KindDownload:
		if err := validate(downloadLoader, req.Payload); err != nil {
			return nil, err
		}

		var p DownloadRequest
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, &ValidationError{Problems: []string{err.Error()}}
		}

		h, err := d.downloader.BeginDownload(ctx, p.URL, p.SavePath, p.Key)
		if err != nil {
			return nil, err
		}

		return DownloadResponse{ID: h}, nil

	case KindFileStates:
		if err := validate(fileStatesLoader, req.Payload); err != nil {
			return nil, err
		}

		var p FileStatesRequest
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, &ValidationError{Problems: []string{err.Error()}}
		}

		states, err := d.states.FetchFileStates(ctx, p.Keys)
		if err != nil {
			return nil, err
		}

		return FileStatesResponse{Result: states}, nil

	default:
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("unknown request kind %q", req.Kind)}}
	}
}
