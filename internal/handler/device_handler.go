package handler

import (
	"net/http"

	"p8fs-auth/internal/middleware"
	"p8fs-auth/internal/service"
	"p8fs-auth/pkg/response"

	"github.com/gorilla/mux"
)

type DeviceHandler struct {
	service *service.DeviceService
}

func NewDeviceHandler(service *service.DeviceService) *DeviceHandler {
	return &DeviceHandler{service: service}
}

func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	devices, err := h.service.List(r.Context(), middleware.GetCaller(r))
	if err != nil {
		writeError(w, "list devices", err)
		return
	}

	response.Success(w, devices)
}

func (h *DeviceHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]
	if deviceID == "" {
		response.BadRequest(w, "Device ID is required")
		return
	}

	if err := h.service.Revoke(r.Context(), middleware.GetCaller(r), deviceID); err != nil {
		writeNotFound(w, "revoke device", err)
		return
	}

	response.Success(w, map[string]string{"message": "Device revoked successfully"})
}
