package routes

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"marginx/gateway/middleware"
	"marginx/native/monitor"
	"marginx/native/oracle"
	"marginx/native/params"
	"marginx/native/position"
)

// Config wires the HTTP surface to the native modules. Keeper is the address
// the gateway performs upkeep as; it must be the monitor's registered keeper.
type Config struct {
	Engine        *position.Engine
	Registry      *params.Registry
	Feed          *oracle.Feed
	Monitor       *monitor.Monitor
	Keeper        common.Address
	Observability *middleware.Observability
	RateLimiter   *middleware.RateLimiter
	CORS          middleware.CORSConfig
}

func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil || cfg.Registry == nil || cfg.Feed == nil || cfg.Monitor == nil {
		return nil, errors.New("routes: engine, registry, feed and monitor are required")
	}
	s := &server{cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))
	if cfg.Observability != nil {
		r.Use(cfg.Observability.Middleware("root"))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(v1 chi.Router) {
		v1.Route("/pools", func(sr chi.Router) {
			s.limit(sr, "pools")
			sr.Get("/", s.listPools)
		})
		v1.Route("/oracle", func(sr chi.Router) {
			s.limit(sr, "oracle")
			sr.Get("/price", s.getPrice)
		})
		v1.Route("/positions", func(sr chi.Router) {
			s.limit(sr, "positions")
			sr.Get("/", s.listPositions)
			sr.Post("/preview", s.previewPosition)
			sr.Get("/min-collateral", s.minCollateral)
			sr.Get("/quote-range", s.quoteRange)
			sr.Get("/{key}", s.getPosition)
		})
		v1.Route("/keeper", func(sr chi.Router) {
			s.limit(sr, "keeper")
			sr.Get("/check", s.keeperCheck)
			sr.Post("/perform", s.keeperPerform)
		})
	})

	if cfg.Observability != nil {
		r.Handle("/metrics", cfg.Observability.MetricsHandler())
	}
	return r, nil
}

type server struct {
	cfg Config
}

func (s *server) limit(sr chi.Router, route string) {
	if s.cfg.RateLimiter != nil {
		sr.Use(s.cfg.RateLimiter.Middleware(route))
	}
}

type poolView struct {
	Address         string `json:"address"`
	QuoteToken      string `json:"quoteToken"`
	Interest        uint64 `json:"interest"`
	QuoteReserve    string `json:"quoteReserve"`
	TotalLiquidity  string `json:"totalLiquidity"`
	OpenInterest    string `json:"openInterest"`
	MaxOpenInterest string `json:"maxOpenInterest"`
}

func (s *server) listPools(w http.ResponseWriter, r *http.Request) {
	pools := s.cfg.Registry.Pools()
	out := make([]poolView, 0, len(pools))
	for _, p := range pools {
		out = append(out, poolView{
			Address:         p.Addr().Hex(),
			QuoteToken:      p.QuoteToken().Hex(),
			Interest:        p.Interest(),
			QuoteReserve:    p.QuoteReserve().String(),
			TotalLiquidity:  p.TotalLiquidity().String(),
			OpenInterest:    p.OpenInterest().String(),
			MaxOpenInterest: p.MaxOpenInterest().String(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pools": out})
}

type priceView struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
	Low   string `json:"low"`
	High  string `json:"high"`
}

func (s *server) getPrice(w http.ResponseWriter, r *http.Request) {
	base, err := parseAddress(r.URL.Query().Get("base"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid base address")
		return
	}
	quote, err := parseAddress(r.URL.Query().Get("quote"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid quote address")
		return
	}
	pair, err := s.cfg.Feed.GetPrice(base, quote)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, priceView{
		Base:  base.Hex(),
		Quote: quote.Hex(),
		Low:   pair.Lowest.String(),
		High:  pair.Highest.String(),
	})
}

type openRequest struct {
	Owner            string `json:"owner"`
	QuoteToken       string `json:"quoteToken"`
	BaseToken        string `json:"baseToken"`
	BaseAmount       string `json:"baseAmount"`
	CollateralToken  string `json:"collateralToken"`
	CollateralAmount string `json:"collateralAmount"`
	QuoteAmount      string `json:"quoteAmount"`
	StoplossPrice    string `json:"stoplossPrice"`
	TakeProfitPrice  string `json:"takeProfitPrice"`
	Deadline         int64  `json:"deadline"`
	Ref              string `json:"ref"`
}

func (req openRequest) toParams(registry *params.Registry) (position.OpenParams, error) {
	var out position.OpenParams
	var err error
	if out.Owner, err = parseAddress(req.Owner); err != nil {
		return out, errors.New("invalid owner address")
	}
	if out.QuoteToken, err = parseAddress(req.QuoteToken); err != nil {
		return out, errors.New("invalid quote token address")
	}
	if out.BaseToken, err = parseAddress(req.BaseToken); err != nil {
		return out, errors.New("invalid base token address")
	}
	if out.CollateralToken, err = parseAddress(req.CollateralToken); err != nil {
		return out, errors.New("invalid collateral token address")
	}
	if req.Ref != "" {
		if out.Ref, err = parseAddress(req.Ref); err != nil {
			return out, errors.New("invalid ref address")
		}
	}
	if out.BaseAmount, err = parseAmount(req.BaseAmount); err != nil {
		return out, errors.New("invalid base amount")
	}
	if out.CollateralAmount, err = parseAmount(req.CollateralAmount); err != nil {
		return out, errors.New("invalid collateral amount")
	}
	if out.QuoteAmount, err = parseAmount(req.QuoteAmount); err != nil {
		return out, errors.New("invalid quote amount")
	}
	if out.StoplossPrice, err = parseAmount(req.StoplossPrice); err != nil {
		return out, errors.New("invalid stoploss price")
	}
	if out.TakeProfitPrice, err = parseAmount(req.TakeProfitPrice); err != nil {
		return out, errors.New("invalid take profit price")
	}
	out.Pool = registry.PoolAddress(out.QuoteToken)
	out.Deadline = req.Deadline
	return out, nil
}

func (s *server) previewPosition(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	openParams, err := req.toParams(s.cfg.Registry)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	preview, err := s.cfg.Engine.PreviewTradePosition(openParams)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, positionToView(preview))
}

func (s *server) minCollateral(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	base, err := parseAddress(q.Get("base"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid base address")
		return
	}
	collateral, err := parseAddress(q.Get("collateral"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid collateral address")
		return
	}
	quote, err := parseAddress(q.Get("quote"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid quote address")
		return
	}
	amount, err := parseAmount(q.Get("amount"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	min, err := s.cfg.Engine.GetMinCollateralAmount(base, amount, collateral, quote)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"minCollateralAmount": min.String()})
}

func (s *server) quoteRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	base, err := parseAddress(q.Get("base"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid base address")
		return
	}
	collateral, err := parseAddress(q.Get("collateral"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid collateral address")
		return
	}
	quote, err := parseAddress(q.Get("quote"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid quote address")
		return
	}
	baseAmount, err := parseAmount(q.Get("baseAmount"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid base amount")
		return
	}
	collateralAmount, err := parseAmount(q.Get("collateralAmount"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid collateral amount")
		return
	}
	min, max, err := s.cfg.Engine.GetQuoteAmountRange(base, baseAmount, collateral, collateralAmount, quote)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"minQuoteAmount": min.String(),
		"maxQuoteAmount": max.String(),
	})
}

func (s *server) getPosition(w http.ResponseWriter, r *http.Request) {
	key, err := parseHash(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid position key")
		return
	}
	p, err := s.cfg.Engine.PositionByKey(key)
	if err != nil {
		writeError(w, http.StatusNotFound, "position not found")
		return
	}
	writeJSON(w, http.StatusOK, positionToView(p))
}

func (s *server) listPositions(w http.ResponseWriter, r *http.Request) {
	ownerParam := r.URL.Query().Get("owner")
	var keys []common.Hash
	if ownerParam != "" {
		owner, err := parseAddress(ownerParam)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid owner address")
			return
		}
		keys = s.cfg.Engine.PositionsOf(owner)
	} else {
		keys = s.cfg.Engine.OpeningPositions()
	}
	out := make([]positionView, 0, len(keys))
	for _, key := range keys {
		p, err := s.cfg.Engine.PositionByKey(key)
		if err != nil {
			continue
		}
		out = append(out, positionToView(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}

func (s *server) keeperCheck(w http.ResponseWriter, r *http.Request) {
	needed, performData, err := s.cfg.Monitor.CheckUpkeep()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"upkeepNeeded": needed,
		"performData":  hex.EncodeToString(performData),
	})
}

func (s *server) keeperPerform(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PerformData string `json:"performData"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	performData, err := hex.DecodeString(strings.TrimPrefix(req.PerformData, "0x"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid perform data")
		return
	}
	served, err := s.cfg.Monitor.PerformUpkeep(s.cfg.Keeper, performData)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"served": served})
}

type legView struct {
	Token      string `json:"token"`
	Amount     string `json:"amount"`
	EntryPrice string `json:"entryPrice"`
	LiqPrice   string `json:"liqPrice"`
	ClosePrice string `json:"closePrice,omitempty"`
}

type positionView struct {
	Key                 string          `json:"key"`
	Owner               string          `json:"owner"`
	Pool                string          `json:"pool"`
	QuoteToken          string          `json:"quoteToken"`
	Base                legView         `json:"baseToken"`
	Collateral          legView         `json:"collateralToken"`
	QuoteAmount         string          `json:"quoteAmount"`
	StoplossPrice       string          `json:"stoplossPrice"`
	TakeProfitPrice     string          `json:"takeProfitPrice"`
	OpenedAt            int64           `json:"openedAt"`
	Deadline            int64           `json:"deadline"`
	Fee                 string          `json:"fee"`
	ProtocolFee         string          `json:"protocolFee"`
	Status              position.Status `json:"status"`
	Closer              string          `json:"closer,omitempty"`
	ClosedAt            int64           `json:"closedAt,omitempty"`
	LiquidationMarkTime int64           `json:"liquidationMarkTime,omitempty"`
}

func positionToView(p *position.Position) positionView {
	view := positionView{
		Key:             p.Key.Hex(),
		Owner:           p.Owner.Hex(),
		Pool:            p.Pool.Hex(),
		QuoteToken:      p.QuoteToken.Hex(),
		Base:            legToView(p.Base),
		Collateral:      legToView(p.Collateral),
		QuoteAmount:     bigString(p.QuoteAmount),
		StoplossPrice:   bigString(p.StoplossPrice),
		TakeProfitPrice: bigString(p.TakeProfitPrice),
		OpenedAt:        p.OpenedAt,
		Deadline:        p.Deadline,
		Fee:             bigString(p.Fee),
		ProtocolFee:     bigString(p.ProtocolFee),
		Status:          p.Status(),
		ClosedAt:        p.ClosedAt,
	}
	if p.Closer != (common.Address{}) {
		view.Closer = p.Closer.Hex()
	}
	if p.LiquidationMarkTime != 0 {
		view.LiquidationMarkTime = p.LiquidationMarkTime
	}
	return view
}

func legToView(l position.TokenLeg) legView {
	view := legView{
		Token:      l.ID.Hex(),
		Amount:     bigString(l.Amount),
		EntryPrice: bigString(l.EntryPrice),
		LiqPrice:   bigString(l.LiqPrice),
	}
	if l.ClosePrice != nil && l.ClosePrice.Sign() > 0 {
		view.ClosePrice = l.ClosePrice.String()
	}
	return view
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAddress(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, errors.New("invalid address")
	}
	return common.HexToAddress(raw), nil
}

func parseHash(raw string) (common.Hash, error) {
	trimmed := strings.TrimPrefix(raw, "0x")
	if len(trimmed) != 64 {
		return common.Hash{}, errors.New("invalid hash")
	}
	if _, err := hex.DecodeString(trimmed); err != nil {
		return common.Hash{}, errors.New("invalid hash")
	}
	return common.HexToHash(raw), nil
}

func parseAmount(raw string) (*big.Int, error) {
	if raw == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return nil, errors.New("invalid amount")
	}
	return value, nil
}
