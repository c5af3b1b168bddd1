package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"impactledger/internal/ledger/models"
	"impactledger/internal/ledger/service"
	id "impactledger/pkg/domain"
	"impactledger/pkg/platform/httputil"
	"impactledger/pkg/requestcontext"
)

// Service is the ledger surface the handler exposes.
type Service interface {
	Register(ctx context.Context, req service.RegisterRequest, caller id.Identity) (id.Identity, error)
	Approve(ctx context.Context, org id.Identity, approved bool, caller id.Identity) error
	GetOrganization(ctx context.Context, org id.Identity) (*models.Organization, error)
	ListOrganizations(ctx context.Context) ([]id.Identity, error)
	Donate(ctx context.Context, org id.Identity, amount decimal.Decimal, message string, donor id.Identity) (id.DonationID, error)
	GetDonation(ctx context.Context, donationID id.DonationID) (*models.Donation, error)
	ListDonations(ctx context.Context) ([]id.DonationID, error)
	ListDonationsByOrganization(ctx context.Context, org id.Identity) ([]id.DonationID, error)
	PendingWithdrawal(ctx context.Context, org id.Identity) (decimal.Decimal, error)
	Withdraw(ctx context.Context, amount decimal.Decimal, caller id.Identity) error
	AddProof(ctx context.Context, donationID id.DonationID, proofRef string, caller id.Identity) error
	TransferOwnership(ctx context.Context, newOwner id.Identity, caller id.Identity) error
	Owner(ctx context.Context) (id.Identity, error)
	CustodialBalance(ctx context.Context) (decimal.Decimal, error)
}

// Handler wires ledger endpoints to the ledger service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// Register mounts the ledger endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Route("/organizations", func(r chi.Router) {
		r.Post("/", h.HandleRegisterOrganization)
		r.Get("/", h.HandleListOrganizations)
		r.Get("/{orgID}", h.HandleGetOrganization)
		r.Put("/{orgID}/approval", h.HandleApprove)
		r.Get("/{orgID}/donations", h.HandleListOrganizationDonations)
		r.Get("/{orgID}/pending", h.HandleGetPending)
	})
	r.Route("/donations", func(r chi.Router) {
		r.Post("/", h.HandleDonate)
		r.Get("/", h.HandleListDonations)
		r.Get("/{donationID}", h.HandleGetDonation)
		r.Put("/{donationID}/proof", h.HandleAddProof)
	})
	r.Post("/withdrawals", h.HandleWithdraw)
	r.Get("/owner", h.HandleGetOwner)
	r.Put("/owner", h.HandleTransferOwnership)
	r.Get("/custody/balance", h.HandleCustodialBalance)
}

// HandleRegisterOrganization handles POST /organizations.
func (h *Handler) HandleRegisterOrganization(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	caller := requestcontext.Caller(ctx)

	req, ok := httputil.DecodeAndPrepare[RegisterOrganizationRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	orgID, err := h.service.Register(ctx, service.RegisterRequest{
		Name:        req.Name,
		MetadataRef: req.MetadataRef,
		Description: req.Description,
		Website:     req.Website,
		Contact:     req.Contact,
	}, caller)
	if err != nil {
		h.fail(ctx, w, "register organization failed", err, "caller", caller.String())
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, &RegisterOrganizationResponse{OrganizationID: orgID.String()})
}

func (h *Handler) HandleListOrganizations(w http.ResponseWriter, r *http.Request) {
	ids, err := h.service.ListOrganizations(r.Context())
	if err != nil {
		h.fail(r.Context(), w, "list organizations failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromIdentities(ids))
}

func (h *Handler) HandleGetOrganization(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgParam(w, r)
	if !ok {
		return
	}
	org, err := h.service.GetOrganization(r.Context(), orgID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromOrganization(org))
}

// HandleApprove handles PUT /organizations/{orgID}/approval. Owner only.
func (h *Handler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	caller := requestcontext.Caller(ctx)

	orgID, ok := orgParam(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[ApprovalRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	if err := h.service.Approve(ctx, orgID, *req.Approved, caller); err != nil {
		h.fail(ctx, w, "approve organization failed", err, "org_id", orgID.String())
		return
	}
	org, err := h.service.GetOrganization(ctx, orgID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromOrganization(org))
}

func (h *Handler) HandleListOrganizationDonations(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgParam(w, r)
	if !ok {
		return
	}
	ids, err := h.service.ListDonationsByOrganization(r.Context(), orgID)
	if err != nil {
		h.fail(r.Context(), w, "list organization donations failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, &DonationListResponse{Donations: ids})
}

func (h *Handler) HandleGetPending(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgParam(w, r)
	if !ok {
		return
	}
	pending, err := h.service.PendingWithdrawal(r.Context(), orgID)
	if err != nil {
		h.fail(r.Context(), w, "pending withdrawal lookup failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, &AmountResponse{Organization: orgID.String(), Amount: pending})
}

// HandleDonate handles POST /donations.
func (h *Handler) HandleDonate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	caller := requestcontext.Caller(ctx)

	req, ok := httputil.DecodeAndPrepare[DonateRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	donationID, err := h.service.Donate(ctx, req.ParsedOrganization(), req.ParsedAmount(), req.Message, caller)
	if err != nil {
		h.fail(ctx, w, "donation failed", err,
			"org_id", req.ParsedOrganization().String(),
			"amount", req.ParsedAmount().String(),
		)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, &DonateResponse{DonationID: donationID})
}

func (h *Handler) HandleListDonations(w http.ResponseWriter, r *http.Request) {
	ids, err := h.service.ListDonations(r.Context())
	if err != nil {
		h.fail(r.Context(), w, "list donations failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, &DonationListResponse{Donations: ids})
}

func (h *Handler) HandleGetDonation(w http.ResponseWriter, r *http.Request) {
	donationID, ok := donationParam(w, r)
	if !ok {
		return
	}
	d, err := h.service.GetDonation(r.Context(), donationID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromDonation(d))
}

// HandleAddProof handles PUT /donations/{donationID}/proof. Recipient only.
func (h *Handler) HandleAddProof(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	caller := requestcontext.Caller(ctx)

	donationID, ok := donationParam(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[AddProofRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	if err := h.service.AddProof(ctx, donationID, req.ProofRef, caller); err != nil {
		h.fail(ctx, w, "add proof failed", err, "donation_id", donationID.String())
		return
	}
	d, err := h.service.GetDonation(ctx, donationID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromDonation(d))
}

// HandleWithdraw handles POST /withdrawals. Approved organizations only.
func (h *Handler) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	caller := requestcontext.Caller(ctx)

	req, ok := httputil.DecodeAndPrepare[WithdrawRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	if err := h.service.Withdraw(ctx, req.ParsedAmount(), caller); err != nil {
		h.fail(ctx, w, "withdrawal failed", err,
			"org_id", caller.String(),
			"amount", req.ParsedAmount().String(),
		)
		return
	}
	pending, err := h.service.PendingWithdrawal(ctx, caller)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, &AmountResponse{Organization: caller.String(), Amount: pending})
}

func (h *Handler) HandleGetOwner(w http.ResponseWriter, r *http.Request) {
	owner, err := h.service.Owner(r.Context())
	if err != nil {
		h.fail(r.Context(), w, "owner lookup failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, &OwnerResponse{Owner: owner.String()})
}

// HandleTransferOwnership handles PUT /owner. Owner only.
func (h *Handler) HandleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	caller := requestcontext.Caller(ctx)

	req, ok := httputil.DecodeAndPrepare[TransferOwnershipRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	if err := h.service.TransferOwnership(ctx, req.ParsedNewOwner(), caller); err != nil {
		h.fail(ctx, w, "ownership transfer failed", err, "new_owner", req.NewOwner)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, &OwnerResponse{Owner: req.ParsedNewOwner().String()})
}

func (h *Handler) HandleCustodialBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.service.CustodialBalance(r.Context())
	if err != nil {
		h.fail(r.Context(), w, "custodial balance lookup failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, &AmountResponse{Amount: balance})
}

// fail logs the error with request context and writes the error response.
func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, msg string, err error, attrs ...any) {
	args := append([]any{
		"request_id", requestcontext.RequestID(ctx),
		"error", err,
	}, attrs...)
	h.logger.WarnContext(ctx, msg, args...)
	httputil.WriteError(w, err)
}

func orgParam(w http.ResponseWriter, r *http.Request) (id.Identity, bool) {
	orgID, err := id.ParseIdentity(chi.URLParam(r, "orgID"))
	if err != nil {
		httputil.WriteError(w, err)
		return id.NullIdentity, false
	}
	return orgID, true
}

func donationParam(w http.ResponseWriter, r *http.Request) (id.DonationID, bool) {
	donationID, err := id.ParseDonationID(chi.URLParam(r, "donationID"))
	if err != nil {
		httputil.WriteError(w, err)
		return id.NoDonation, false
	}
	return donationID, true
}
