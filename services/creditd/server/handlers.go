package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"credx/crypto"
	"credx/native/lending"
	"credx/native/oracle"
	"credx/services/creditd/export"
	"credx/services/creditd/journal"
)

const maxBodyBytes = 1 << 20

type protocolView struct {
	Admin       crypto.Address `json:"admin"`
	CreditAsset crypto.Address `json:"creditAsset"`
	Authority   crypto.Address `json:"authority"`
	LTVRatioBps uint64         `json:"ltvRatioBps"`
	Locked      bool           `json:"locked"`
}

func protocolViewFrom(cfg *lending.ProtocolConfig) protocolView {
	return protocolView{
		Admin:       cfg.Admin,
		CreditAsset: cfg.CreditAsset,
		Authority:   cfg.Authority,
		LTVRatioBps: cfg.LTVRatioBps,
		Locked:      cfg.Locked,
	}
}

type delegationView struct {
	Delegate crypto.Address `json:"delegate"`
	Asset    crypto.Address `json:"asset"`
	Ceiling  uint64         `json:"ceiling"`
	Expiry   uint64         `json:"expiry"`
	Revoked  bool           `json:"revoked"`
}

type positionView struct {
	Owner            crypto.Address  `json:"owner"`
	Status           string          `json:"status"`
	CollateralAsset  crypto.Address  `json:"collateralAsset"`
	Oracle           crypto.Address  `json:"oracle"`
	VaultAccount     crypto.Address  `json:"vaultAccount"`
	VaultKey         string          `json:"vaultKey"`
	CollateralAmount uint64          `json:"collateralAmount"`
	VaultBalance     uint64          `json:"vaultBalance"`
	RemainingDebt    uint64          `json:"remainingDebt"`
	YieldEarned      uint64          `json:"yieldEarned"`
	CreditBalance    uint64          `json:"creditBalance"`
	Delegation       *delegationView `json:"delegation,omitempty"`
}

func positionViewFrom(pos *lending.Position) positionView {
	view := positionView{
		Owner:            pos.Loan.Owner,
		Status:           string(pos.Status),
		CollateralAsset:  pos.Vault.CollateralAsset,
		Oracle:           pos.Loan.Oracle,
		VaultAccount:     pos.Vault.Account,
		VaultKey:         pos.Loan.Vault.String(),
		CollateralAmount: pos.Loan.CollateralAmount,
		VaultBalance:     pos.VaultBalance,
		RemainingDebt:    pos.Loan.RemainingDebt,
		YieldEarned:      pos.Loan.YieldEarned,
		CreditBalance:    pos.CreditBalance,
	}
	if d := pos.Delegation; d != nil {
		view.Delegation = &delegationView{
			Delegate: d.Delegate,
			Asset:    d.Asset,
			Ceiling:  d.Ceiling,
			Expiry:   d.Expiry,
			Revoked:  d.Revoked,
		}
	}
	return view
}

type feedView struct {
	Ref         crypto.Address `json:"ref"`
	Authority   crypto.Address `json:"authority"`
	Kind        string         `json:"kind"`
	Price       string         `json:"price"`
	Expo        int32          `json:"expo,omitempty"`
	Confidence  uint64         `json:"confidence,omitempty"`
	Status      string         `json:"status,omitempty"`
	PublishedAt int64          `json:"publishedAt"`
}

func feedViewFrom(feed *oracle.Feed) feedView {
	view := feedView{Ref: feed.Ref, Authority: feed.Authority, Kind: feed.Kind.String()}
	switch {
	case feed.Simple != nil:
		view.Price = strconv.FormatUint(feed.Simple.Price, 10)
		view.PublishedAt = feed.Simple.Timestamp
	case feed.External != nil:
		view.Price = strconv.FormatInt(feed.External.Price, 10)
		view.Expo = feed.External.Expo
		view.Confidence = feed.External.Confidence
		view.Status = feed.External.Status.String()
		view.PublishedAt = feed.External.PublishTime
	}
	return view
}

// decodeJSON reads an optional JSON body into dst. Unknown fields are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeProblem(w, http.StatusBadRequest, "InvalidPayload", "invalid payload: "+err.Error())
		return false
	}
	return true
}

func parseAddress(w http.ResponseWriter, field, raw string) (crypto.Address, bool) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "InvalidAddress", field+" is not a valid address")
		return crypto.Address{}, false
	}
	return addr, true
}

func caller(w http.ResponseWriter, r *http.Request) (crypto.Address, bool) {
	addr, ok := CallerFromContext(r.Context())
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "Unauthenticated", "missing identity")
	}
	return addr, ok
}

func (s *Server) handleGetProtocol(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.engine.Protocol()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocolViewFrom(cfg))
}

func (s *Server) handleInitializeProtocol(w http.ResponseWriter, r *http.Request) {
	admin, ok := caller(w, r)
	if !ok {
		return
	}
	var cfg *lending.ProtocolConfig
	err := s.traced(r, "lending.InitializeProtocol", func() (err error) {
		cfg, err = s.engine.InitializeProtocol(admin)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, protocolViewFrom(cfg))
}

func (s *Server) handleSetLocked(w http.ResponseWriter, r *http.Request) {
	admin, ok := caller(w, r)
	if !ok {
		return
	}
	var req struct {
		Locked bool `json:"locked"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.traced(r, "lending.SetLocked", func() error {
		return s.engine.SetLocked(admin, req.Locked)
	}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"locked": req.Locked})
}

func (s *Server) handleCreateAsset(w http.ResponseWriter, r *http.Request) {
	admin, ok := caller(w, r)
	if !ok {
		return
	}
	var req struct {
		Symbol   string `json:"symbol"`
		Decimals uint8  `json:"decimals"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	var asset crypto.Address
	err := s.traced(r, "lending.CreateCollateralAsset", func() (err error) {
		asset, err = s.engine.CreateCollateralAsset(admin, req.Symbol, req.Decimals)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]crypto.Address{"asset": asset})
}

func (s *Server) handleMintCollateral(w http.ResponseWriter, r *http.Request) {
	admin, ok := caller(w, r)
	if !ok {
		return
	}
	asset, ok := parseAddress(w, "asset", chi.URLParam(r, "asset"))
	if !ok {
		return
	}
	var req struct {
		To     string `json:"to"`
		Amount uint64 `json:"amount"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	to, ok := parseAddress(w, "to", req.To)
	if !ok {
		return
	}
	if err := s.traced(r, "lending.MintCollateral", func() error {
		return s.engine.MintCollateral(admin, asset, to, req.Amount)
	}); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	asset, ok := parseAddress(w, "asset", chi.URLParam(r, "asset"))
	if !ok {
		return
	}
	holder, ok := parseAddress(w, "holder", chi.URLParam(r, "holder"))
	if !ok {
		return
	}
	balance, err := s.engine.Balance(asset, holder)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"balance": balance})
}

func (s *Server) handleInitializeLoan(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	var req struct {
		CollateralAsset string `json:"collateralAsset"`
		Oracle          string `json:"oracle"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	asset, ok := parseAddress(w, "collateralAsset", req.CollateralAsset)
	if !ok {
		return
	}
	ref, ok := parseAddress(w, "oracle", req.Oracle)
	if !ok {
		return
	}
	if err := s.traced(r, "lending.InitializeLoan", func() error {
		_, err := s.engine.InitializeLoan(user, asset, ref)
		return err
	}); err != nil {
		writeError(w, err)
		return
	}
	s.writePosition(w, user, http.StatusCreated)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseAddress(w, "owner", chi.URLParam(r, "owner"))
	if !ok {
		return
	}
	s.writePosition(w, owner, http.StatusOK)
}

func (s *Server) writePosition(w http.ResponseWriter, owner crypto.Address, status int) {
	pos, err := s.engine.Position(owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, positionViewFrom(pos))
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	var req struct {
		Asset  string `json:"asset"`
		Amount uint64 `json:"amount"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	asset, ok := parseAddress(w, "asset", req.Asset)
	if !ok {
		return
	}
	if err := s.traced(r, "lending.DepositCollateral", func() error {
		return s.engine.DepositCollateral(user, asset, req.Amount)
	}); err != nil {
		writeError(w, err)
		return
	}
	s.writePosition(w, user, http.StatusOK)
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	var minted uint64
	err := s.traced(r, "lending.Borrow", func() (err error) {
		minted, err = s.engine.Borrow(user)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"minted": minted})
}

func (s *Server) handleAutoRepay(w http.ResponseWriter, r *http.Request) {
	relayer, ok := caller(w, r)
	if !ok {
		return
	}
	owner, ok := parseAddress(w, "owner", chi.URLParam(r, "owner"))
	if !ok {
		return
	}
	var result *lending.RepayResult
	err := s.traced(r, "lending.AutoRepay", func() (err error) {
		result, err = s.engine.AutoRepay(relayer, owner)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"noop":       result.NoOp,
		"yield":      result.Yield,
		"price":      result.Price,
		"yieldValue": result.YieldValue,
		"repaid":     result.Repaid,
		"remaining":  result.Remaining,
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	var result *lending.WithdrawResult
	err := s.traced(r, "lending.Withdraw", func() (err error) {
		result, err = s.engine.Withdraw(user)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{
		"burned":      result.Burned,
		"returned":    result.Returned,
		"finalYield":  result.FinalYield,
		"yieldEarned": result.YieldEarned,
	})
}

func (s *Server) handleRevokeDelegation(w http.ResponseWriter, r *http.Request) {
	owner, ok := caller(w, r)
	if !ok {
		return
	}
	if err := s.traced(r, "lending.RevokeDelegation", func() error {
		return s.engine.RevokeDelegation(owner)
	}); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateSimpleFeed(w http.ResponseWriter, r *http.Request) {
	authority, ok := caller(w, r)
	if !ok {
		return
	}
	var req struct {
		Label string `json:"label"`
		Price uint64 `json:"price"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	var ref crypto.Address
	err := s.traced(r, "oracle.CreateSimpleFeed", func() (err error) {
		ref, err = s.engine.CreateSimpleFeed(authority, req.Label, req.Price)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]crypto.Address{"ref": ref})
}

func (s *Server) handleUpdateSimpleFeed(w http.ResponseWriter, r *http.Request) {
	authority, ok := caller(w, r)
	if !ok {
		return
	}
	ref, ok := parseAddress(w, "ref", chi.URLParam(r, "ref"))
	if !ok {
		return
	}
	var req struct {
		Price uint64 `json:"price"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.traced(r, "oracle.UpdateSimpleFeed", func() error {
		return s.engine.UpdateSimpleFeed(authority, ref, req.Price)
	}); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePublishExternalFeed(w http.ResponseWriter, r *http.Request) {
	publisher, ok := caller(w, r)
	if !ok {
		return
	}
	var req struct {
		Label       string `json:"label"`
		Price       int64  `json:"price"`
		Confidence  uint64 `json:"confidence"`
		Expo        int32  `json:"expo"`
		Status      string `json:"status"`
		PublishTime int64  `json:"publishTime"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	price := oracle.ExternalPrice{
		Price:       req.Price,
		Confidence:  req.Confidence,
		Expo:        req.Expo,
		Status:      oracle.ParseStatus(strings.ToLower(strings.TrimSpace(req.Status))),
		PublishTime: req.PublishTime,
	}
	if price.PublishTime == 0 {
		price.PublishTime = s.now().Unix()
	}
	var ref crypto.Address
	err := s.traced(r, "oracle.PublishExternalFeed", func() (err error) {
		ref, err = s.engine.PublishExternalFeed(publisher, req.Label, price)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]crypto.Address{"ref": ref})
}

func (s *Server) handleGetFeed(w http.ResponseWriter, r *http.Request) {
	ref, ok := parseAddress(w, "ref", chi.URLParam(r, "ref"))
	if !ok {
		return
	}
	feed, err := s.engine.Feed(ref)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, feedViewFrom(feed))
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.exportDir == "" {
		writeProblem(w, http.StatusServiceUnavailable, "ExportDisabled", "export directory not configured")
		return
	}
	positions, err := s.engine.Positions()
	if err != nil {
		writeError(w, err)
		return
	}
	snapshots := make([]export.Snapshot, 0, len(positions))
	for _, pos := range positions {
		snapshots = append(snapshots, export.Snapshot{Owner: pos.Loan.Owner, Position: pos})
	}
	path, err := export.WriteFile(s.exportDir, snapshots, s.now().UTC())
	if err != nil {
		s.logger.Error("loan export failed", slog.Any("error", err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"path": path, "loans": len(snapshots)})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeProblem(w, http.StatusServiceUnavailable, "JournalDisabled", "event journal not configured")
		return
	}
	query := journal.Query{
		Type:  strings.TrimSpace(r.URL.Query().Get("type")),
		Owner: strings.TrimSpace(r.URL.Query().Get("owner")),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "InvalidQuery", "since must be RFC3339")
			return
		}
		query.Since = since
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeProblem(w, http.StatusBadRequest, "InvalidQuery", "limit must be a non-negative integer")
			return
		}
		query.Limit = limit
	}
	records, err := s.journal.List(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": records})
}
