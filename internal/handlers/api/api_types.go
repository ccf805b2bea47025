package api

import (
	"time"

	"github.com/khanghh/kguard/internal/geo"
	"github.com/khanghh/kguard/internal/reputation"
)

const APIVersion = "1.0"

type APIResponse struct {
	APIVersion string        `json:"apiVersion"`
	Data       any           `json:"data,omitempty"`
	Error      *APIErrorInfo `json:"error,omitempty"`
}

type APIErrorInfo struct {
	Code    int              `json:"code"`
	Message string           `json:"message"`
	Errors  []APIErrorDetail `json:"errors,omitempty"`
}

type APIErrorDetail struct {
	Domain  string `json:"domain"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func NewDataResponse(data any) APIResponse {
	return APIResponse{
		APIVersion: APIVersion,
		Data:       data,
	}
}

func NewErrorResponse(code int, message string, details ...APIErrorDetail) APIResponse {
	return APIResponse{
		APIVersion: APIVersion,
		Error: &APIErrorInfo{
			Code:    code,
			Message: message,
			Errors:  details,
		},
	}
}

type setupRequest struct {
	UserID  string `json:"userID" validate:"required"`
	Method  string `json:"method" validate:"required,oneof=totp sms email"`
	Contact string `json:"contact"`
}

type verifyRequest struct {
	UserID string `json:"userID" validate:"required"`
	Method string `json:"method" validate:"required,oneof=totp sms email"`
	Code   string `json:"code" validate:"required"`
}

type challengeRequest struct {
	UserID string `json:"userID" validate:"required"`
	Method string `json:"method" validate:"required,oneof=sms email"`
}

type backupCodeRequest struct {
	UserID string `json:"userID" validate:"required"`
	Code   string `json:"code" validate:"required"`
}

type userRequest struct {
	UserID string `json:"userID" validate:"required"`
}

type disableRequest struct {
	UserID string `json:"userID" validate:"required"`
	Code   string `json:"code" validate:"required"`
}

type tokenRequest struct {
	Token string `json:"token" validate:"required"`
}

type tokenResponse struct {
	UserID    string    `json:"userID"`
	Method    string    `json:"method"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type backupCodesResponse struct {
	BackupCodes []string `json:"backupCodes"`
}

type disableResponse struct {
	Disabled bool `json:"disabled"`
}

type blacklistRequest struct {
	IP         string `json:"ip" validate:"required,ip"`
	Reason     string `json:"reason" validate:"required,max=64"`
	TTLSeconds int64  `json:"ttlSeconds" validate:"gte=0"`
	Notes      string `json:"notes" validate:"max=512"`
}

type ipStatusResponse struct {
	IP          string            `json:"ip"`
	Blacklisted bool              `json:"blacklisted"`
	Entry       *reputation.Entry `json:"entry,omitempty"`
}

type loginAttemptRequest struct {
	UserID    string        `json:"userID" validate:"required"`
	IP        string        `json:"ip" validate:"required,ip"`
	UserAgent string        `json:"userAgent"`
	Success   bool          `json:"success"`
	Location  *geo.Location `json:"location,omitempty"`
}

type checkRequest struct {
	IP       string `json:"ip" validate:"required,ip"`
	Endpoint string `json:"endpoint" validate:"required"`
	UserID   string `json:"userID"`
}
