package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/kguard/internal/twofactor"
)

type MFAHandler struct {
	twoFactorService TwoFactorService
}

func (h *MFAHandler) PostSetup(ctx *fiber.Ctx) error {
	var req setupRequest
	if err := bindAndValidate(ctx, &req); err != nil {
		return err
	}
	method, err := twofactor.ParseMethod(req.Method)
	if err != nil {
		return err
	}
	result, err := h.twoFactorService.SetupMFA(ctx.Context(), req.UserID, method, req.Contact)
	if err != nil {
		return err
	}
	return ctx.Status(fiber.StatusCreated).JSON(NewDataResponse(result))
}

func (h *MFAHandler) PostVerify(ctx *fiber.Ctx) error {
	var req verifyRequest
	if err := bindAndValidate(ctx, &req); err != nil {
		return err
	}
	method, err := twofactor.ParseMethod(req.Method)
	if err != nil {
		return err
	}
	result, err := h.twoFactorService.VerifyMFA(ctx.Context(), req.UserID, method, req.Code)
	if err != nil {
		return err
	}
	if !result.Verified {
		return twofactor.NewAttemptFailError(result.Outcome)
	}
	return ctx.JSON(NewDataResponse(result))
}

func (h *MFAHandler) PostValidateToken(ctx *fiber.Ctx) error {
	var req tokenRequest
	if err := bindAndValidate(ctx, &req); err != nil {
		return err
	}
	claims, err := h.twoFactorService.ValidateToken(ctx.Context(), req.Token)
	if err != nil {
		return err
	}
	resp := tokenResponse{
		UserID: claims.Subject,
		Method: string(claims.Method),
	}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Time
	}
	return ctx.JSON(NewDataResponse(resp))
}

func (h *MFAHandler) PostChallenge(ctx *fiber.Ctx) error {
	var req challengeRequest
	if err := bindAndValidate(ctx, &req); err != nil {
		return err
	}
	method, err := twofactor.ParseMethod(req.Method)
	if err != nil {
		return err
	}
	dispatch, err := h.twoFactorService.SendChallengeCode(ctx.Context(), req.UserID, method)
	if err != nil {
		return err
	}
	return ctx.Status(fiber.StatusAccepted).JSON(NewDataResponse(dispatch))
}

func (h *MFAHandler) PostVerifyBackupCode(ctx *fiber.Ctx) error {
	var req backupCodeRequest
	if err := bindAndValidate(ctx, &req); err != nil {
		return err
	}
	result, err := h.twoFactorService.VerifyBackupCode(ctx.Context(), req.UserID, req.Code)
	if err != nil {
		return err
	}
	if !result.Verified {
		return twofactor.NewAttemptFailError(result.Outcome)
	}
	return ctx.JSON(NewDataResponse(result))
}

func (h *MFAHandler) PostRegenerateBackupCodes(ctx *fiber.Ctx) error {
	var req userRequest
	if err := bindAndValidate(ctx, &req); err != nil {
		return err
	}
	codes, err := h.twoFactorService.RegenerateBackupCodes(ctx.Context(), req.UserID)
	if err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(backupCodesResponse{BackupCodes: codes}))
}

func (h *MFAHandler) PostDisable(ctx *fiber.Ctx) error {
	var req disableRequest
	if err := bindAndValidate(ctx, &req); err != nil {
		return err
	}
	disabled, err := h.twoFactorService.DisableMFA(ctx.Context(), req.UserID, req.Code)
	if err != nil {
		return err
	}
	if !disabled {
		return &twofactor.AttemptFailError{Reason: twofactor.ReasonInvalidCode}
	}
	return ctx.JSON(NewDataResponse(disableResponse{Disabled: true}))
}

func (h *MFAHandler) GetStatus(ctx *fiber.Ctx) error {
	status, err := h.twoFactorService.GetMFAStatus(ctx.Context(), ctx.Params("userID"))
	if err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(status))
}

func NewMFAHandler(twoFactorService TwoFactorService) *MFAHandler {
	return &MFAHandler{
		twoFactorService: twoFactorService,
	}
}
