package control

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bpfman/bpfmand/internal/bpfmanerr"
	"github.com/bpfman/bpfmand/internal/bytecode"
	"github.com/bpfman/bpfmand/internal/command"
	"github.com/bpfman/bpfmand/internal/registry"
)

// BytecodeFetcher resolves a Location string (file:// path or container
// image reference) into verified program bytes, per spec.md §4.2. It is an
// interface here, not a direct dependency on internal/bytecode, so this
// package only needs to know "given a location, get bytes or an error".
type BytecodeFetcher interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
}

// Server is the control-socket HTTP API. It holds no state of its own; every
// /v1 handler submits exactly one Command to the dispatcher and translates the
// Result (spec.md §4.6 "the result through a per-request one-shot reply
// channel").
type Server struct {
	dispatcher *command.Dispatcher
	bytecode   BytecodeFetcher
}

// NewServer constructs a Server bound to dispatcher. bytecode resolves
// Load requests' Location field into bytes before the command is submitted.
func NewServer(dispatcher *command.Dispatcher, bytecode BytecodeFetcher) *Server {
	return &Server{dispatcher: dispatcher, bytecode: bytecode}
}

// NewRouter returns the chi.Router serving srv's routes (spec.md §6
// "Control socket" — the control-plane front-end).
func NewRouter(srv *Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/programs", srv.handleLoad)
		r.Get("/programs", srv.handleList)
		r.Get("/programs/{id}", srv.handleGetProgram)
		r.Delete("/programs/{id}", srv.handleUnload)

		r.Post("/links", srv.handleAttach)
		r.Get("/links/{id}", srv.handleGetLink)
		r.Delete("/links/{id}", srv.handleDetach)

		r.Post("/bytecode:pull", srv.handlePullBytecode)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req LoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, bpfmanerr.KindInternal, "malformed request body")
		return
	}

	kind, err := parseKind(req.Kind, req.Direction)
	if err != nil {
		writeError(w, http.StatusBadRequest, bpfmanerr.KindOf(err), err.Error())
		return
	}

	var bytecode []byte
	if s.bytecode != nil {
		bc, err := s.bytecode.Fetch(r.Context(), req.Location)
		if err != nil {
			writeError(w, statusFor(bpfmanerr.KindOf(err)), bpfmanerr.KindOf(err), err.Error())
			return
		}
		bytecode = bc
	}

	res, err := s.dispatcher.Submit(r.Context(), &command.Command{
		Kind: command.KindLoad,
		LoadArgs: &command.LoadArgs{Spec: registry.ProgramSpec{
			Name: req.Name, Kind: kind, EntrySection: req.EntrySection, Bytecode: bytecode,
			Location: req.Location, GlobalData: req.GlobalData, Metadata: req.Metadata, MapOwnerID: req.MapOwnerID,
		}},
	})
	if !writeResultErr(w, err, res.Err) {
		return
	}
	writeJSON(w, http.StatusCreated, LoadResponse{ProgramID: res.ProgramID})
}

func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}
	res, err := s.dispatcher.Submit(r.Context(), &command.Command{
		Kind: command.KindUnload, UnloadArgs: &command.UnloadArgs{ProgramID: id},
	})
	if !writeResultErr(w, err, res.Err) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	var req AttachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, bpfmanerr.KindInternal, "malformed request body")
		return
	}
	res, err := s.dispatcher.Submit(r.Context(), &command.Command{
		Kind: command.KindAttach,
		AttachArgs: &command.AttachArgs{
			ProgramID: req.ProgramID,
			Attach:    registry.AttachSpec{Network: req.Network.toRegistry(), Target: req.Target},
		},
	})
	if !writeResultErr(w, err, res.Err) {
		return
	}
	writeJSON(w, http.StatusCreated, AttachResponse{LinkID: res.LinkID})
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}
	res, err := s.dispatcher.Submit(r.Context(), &command.Command{
		Kind: command.KindDetach, DetachArgs: &command.DetachArgs{LinkID: id},
	})
	if !writeResultErr(w, err, res.Err) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	res, err := s.dispatcher.Submit(r.Context(), &command.Command{Kind: command.KindList, ListArgs: &command.ListArgs{}})
	if !writeResultErr(w, err, res.Err) {
		return
	}
	out := make([]ProgramDTO, len(res.Programs))
	for i, p := range res.Programs {
		out[i] = programToDTO(p)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetProgram(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}
	res, err := s.dispatcher.Submit(r.Context(), &command.Command{
		Kind: command.KindGet, GetArgs: &command.GetArgs{ProgramID: &id},
	})
	if !writeResultErr(w, err, res.Err) {
		return
	}
	writeJSON(w, http.StatusOK, programToDTO(res.Program))
}

func (s *Server) handleGetLink(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}
	res, err := s.dispatcher.Submit(r.Context(), &command.Command{
		Kind: command.KindGet, GetArgs: &command.GetArgs{LinkID: &id},
	})
	if !writeResultErr(w, err, res.Err) {
		return
	}
	writeJSON(w, http.StatusOK, linkToDTO(res.Link))
}

// handlePullBytecode resolves a Location into verified bytes without
// loading it (SPEC_FULL.md §6 "POST /v1/bytecode:pull"), warming the
// provider's cache and surfacing a genuine signature failure to the caller
// ahead of a Load.
func (s *Server) handlePullBytecode(w http.ResponseWriter, r *http.Request) {
	var req PullBytecodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, bpfmanerr.KindInternal, "malformed request body")
		return
	}

	policy, err := bytecode.ParsePullPolicy(req.PullPolicy)
	if err != nil {
		writeError(w, http.StatusBadRequest, bpfmanerr.KindOf(err), err.Error())
		return
	}

	res, err := s.dispatcher.Submit(r.Context(), &command.Command{
		Kind: command.KindPullBytecode,
		PullBytecodeArgs: &command.PullBytecodeArgs{
			Location: req.Location, PullPolicy: policy, Auth: req.auth(),
		},
	})
	if !writeResultErr(w, err, res.Err) {
		return
	}
	writeJSON(w, http.StatusOK, PullBytecodeResponse{Size: len(res.Bytecode), Cached: res.Cached})
}

func parseIDParam(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, bpfmanerr.KindInvalidID, "id must be a non-negative integer")
		return 0, false
	}
	return uint32(id), true
}

// writeResultErr writes an error response (from either a Submit-level
// transport error or the command's own Result.Err) and reports whether the
// caller should continue to write a success body.
func writeResultErr(w http.ResponseWriter, submitErr, resultErr error) bool {
	if submitErr != nil {
		writeError(w, http.StatusServiceUnavailable, bpfmanerr.KindInternal, submitErr.Error())
		return false
	}
	if resultErr != nil {
		kind := bpfmanerr.KindOf(resultErr)
		writeError(w, statusFor(kind), kind, resultErr.Error())
		return false
	}
	return true
}

// statusFor maps a bpfmanerr.Kind to its control-socket HTTP status
// (spec.md §7 names the kinds; this mapping is the control socket's own
// concern since "message framing and encoding are an implementation
// choice").
func statusFor(kind bpfmanerr.Kind) int {
	switch kind {
	case bpfmanerr.KindInvalidInterface, bpfmanerr.KindInvalidID, bpfmanerr.KindInvalidProgramKind,
		bpfmanerr.KindDispatcherNotRequired, bpfmanerr.KindSectionNameNotValid, bpfmanerr.KindInvalidImageURL:
		return http.StatusBadRequest
	case bpfmanerr.KindNoProgramsLoaded, bpfmanerr.KindMapNotFound, bpfmanerr.KindMapNotLoaded:
		return http.StatusNotFound
	case bpfmanerr.KindProgramInUse, bpfmanerr.KindTooManyPrograms:
		return http.StatusConflict
	case bpfmanerr.KindNotAuthorized, bpfmanerr.KindSignatureVerificationFailed, bpfmanerr.KindImageUnsigned:
		return http.StatusForbidden
	case bpfmanerr.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case bpfmanerr.KindImageManifestPullFailure, bpfmanerr.KindBytecodeImagePullFailure, bpfmanerr.KindBytecodeImageExtractFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, kind bpfmanerr.Kind, msg string) {
	writeJSON(w, status, errorResponse{Kind: kind.String(), Message: msg})
}
