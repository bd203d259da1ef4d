package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/serveml-labs/serveml-go/internal/deploy"
	"github.com/serveml-labs/serveml-go/internal/domain"
	"github.com/serveml-labs/serveml-go/internal/platform/auth"
	"github.com/serveml-labs/serveml-go/internal/platform/httpserver"
	"github.com/serveml-labs/serveml-go/internal/storage/objectstore"
)

// deploymentService is the orchestrator surface the API needs. Narrow so
// handler tests can fake it.
type deploymentService interface {
	Submit(ctx context.Context, in deploy.SubmitInput) (domain.Deployment, error)
	Get(ctx context.Context, owner, id string) (domain.Deployment, error)
	List(ctx context.Context, owner string) ([]domain.Deployment, error)
	Delete(ctx context.Context, owner, id string) (domain.Deployment, error)
}

type deployAPI struct {
	logger         *slog.Logger
	service        deploymentService
	presigner      objectstore.Presigner
	uploadsBucket  string
	uploadMaxBytes int64
	presignTTL     time.Duration
}

func newDeployAPI(logger *slog.Logger, service deploymentService, presigner objectstore.Presigner, uploadsBucket string, uploadMaxBytes int64, presignTTL time.Duration) *deployAPI {
	if logger == nil {
		logger = slog.Default()
	}
	return &deployAPI{
		logger:         logger,
		service:        service,
		presigner:      presigner,
		uploadsBucket:  uploadsBucket,
		uploadMaxBytes: uploadMaxBytes,
		presignTTL:     presignTTL,
	}
}

func (a *deployAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/deployments", a.submit)
	mux.HandleFunc("GET /api/v1/deployments", a.list)
	mux.HandleFunc("GET /api/v1/deployments/{id}", a.get)
	mux.HandleFunc("DELETE /api/v1/deployments/{id}", a.delete)
	mux.HandleFunc("POST /api/v1/uploads", a.presignUpload)
}

// deploymentResponse is the wire shape of a deployment record.
type deploymentResponse struct {
	DeploymentID   string         `json:"deployment_id"`
	Name           string         `json:"name"`
	Status         string         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Model          *modelInfo     `json:"model,omitempty"`
	Endpoint       string         `json:"endpoint,omitempty"`
	Failure        *failureDetail `json:"failure,omitempty"`
	CleanupWarning string         `json:"cleanup_warning,omitempty"`
}

type modelInfo struct {
	Framework   string   `json:"framework"`
	ModelType   string   `json:"model_type,omitempty"`
	InputShape  []int    `json:"input_shape,omitempty"`
	OutputShape []int    `json:"output_shape,omitempty"`
	SizeBytes   int64    `json:"size_bytes"`
	Warnings    []string `json:"warnings,omitempty"`
}

type failureDetail struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

func renderDeployment(d domain.Deployment) deploymentResponse {
	resp := deploymentResponse{
		DeploymentID:   d.ID,
		Name:           d.DisplayName,
		Status:         string(d.Status),
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
		Endpoint:       d.InvocationAddress,
		CleanupWarning: d.CleanupWarning,
	}
	if d.Descriptor != nil {
		resp.Model = &modelInfo{
			Framework:   string(d.Descriptor.Framework),
			ModelType:   d.Descriptor.ModelType,
			InputShape:  d.Descriptor.InputShape,
			OutputShape: d.Descriptor.OutputShape,
			SizeBytes:   d.Descriptor.SizeBytes,
			Warnings:    d.Descriptor.Warnings,
		}
	}
	if d.FailureCause != nil {
		resp.Failure = &failureDetail{Stage: d.FailureCause.Stage, Message: d.FailureCause.Message}
	}
	return resp
}

func ownerFrom(r *http.Request) string {
	identity, _ := auth.IdentityFromContext(r.Context())
	return identity.Subject
}

func (a *deployAPI) submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.uploadMaxBytes)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeAPIError(w, http.StatusBadRequest, "request must be multipart form data")
		return
	}
	defer r.MultipartForm.RemoveAll()

	modelFile, modelHeader, err := r.FormFile("model_file")
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "model_file is required")
		return
	}
	defer modelFile.Close()

	if domain.FrameworkForFilename(modelHeader.Filename) == domain.FrameworkUnknown {
		writeAPIError(w, http.StatusBadRequest,
			"unsupported model format: "+path.Ext(modelHeader.Filename)+
				" (supported: "+strings.Join(domain.SupportedArtifactExtensions(), ", ")+")")
		return
	}

	reqFile, reqHeader, err := r.FormFile("requirements_file")
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "requirements_file is required")
		return
	}
	defer reqFile.Close()
	if !strings.EqualFold(path.Ext(reqHeader.Filename), ".txt") {
		writeAPIError(w, http.StatusBadRequest, "requirements_file must be a .txt file")
		return
	}
	manifest, err := readAll(reqFile, 1<<20)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "requirements_file too large")
		return
	}

	d, err := a.service.Submit(r.Context(), deploy.SubmitInput{
		Owner:            ownerFrom(r),
		DisplayName:      r.FormValue("name"),
		ArtifactFilename: modelHeader.Filename,
		Artifact:         modelFile,
		ArtifactSize:     modelHeader.Size,
		Manifest:         manifest,
	})
	if err != nil {
		if errors.Is(err, deploy.ErrUnsupportedArtifact) {
			writeAPIError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.logger.Error("submission failed", "error", err)
		writeAPIError(w, http.StatusInternalServerError, "submission failed")
		return
	}
	httpserver.WriteJSON(w, http.StatusAccepted, renderDeployment(d))
}

func (a *deployAPI) list(w http.ResponseWriter, r *http.Request) {
	deployments, err := a.service.List(r.Context(), ownerFrom(r))
	if err != nil {
		a.logger.Error("list failed", "error", err)
		writeAPIError(w, http.StatusInternalServerError, "list failed")
		return
	}
	out := make([]deploymentResponse, 0, len(deployments))
	for _, d := range deployments {
		out = append(out, renderDeployment(d))
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"deployments": out})
}

func (a *deployAPI) get(w http.ResponseWriter, r *http.Request) {
	d, err := a.service.Get(r.Context(), ownerFrom(r), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, deploy.ErrDeploymentNotFound) {
			writeAPIError(w, http.StatusNotFound, "deployment not found")
			return
		}
		a.logger.Error("get failed", "error", err)
		writeAPIError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, renderDeployment(d))
}

func (a *deployAPI) delete(w http.ResponseWriter, r *http.Request) {
	d, err := a.service.Delete(r.Context(), ownerFrom(r), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, deploy.ErrDeploymentNotFound) {
			writeAPIError(w, http.StatusNotFound, "deployment not found")
			return
		}
		a.logger.Error("delete failed", "error", err)
		writeAPIError(w, http.StatusInternalServerError, "deletion failed")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, renderDeployment(d))
}

// presignUpload hands out a direct upload URL so very large artifacts can
// bypass the API process.
func (a *deployAPI) presignUpload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filename string `json:"filename"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}
	if domain.FrameworkForFilename(req.Filename) == domain.FrameworkUnknown {
		writeAPIError(w, http.StatusBadRequest, "unsupported model format: "+path.Ext(req.Filename))
		return
	}

	key := "incoming/" + uuid.NewString() + "/" + path.Base(req.Filename)
	url, err := a.presigner.PresignPut(r.Context(), a.uploadsBucket, key, a.presignTTL)
	if err != nil {
		a.logger.Error("presign failed", "error", err)
		writeAPIError(w, http.StatusInternalServerError, "presign failed")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"upload_url": url,
		"object_key": key,
		"expires_at": time.Now().UTC().Add(a.presignTTL),
	})
}

func writeAPIError(w http.ResponseWriter, status int, message string) {
	httpserver.WriteJSON(w, status, map[string]any{"error": message})
}

func readAll(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errors.New("payload exceeds limit")
	}
	return data, nil
}
