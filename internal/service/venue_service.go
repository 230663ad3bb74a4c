package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"execution/internal/models"
	"execution/internal/repository"
	"execution/internal/venue"
	"execution/pkg/crypto"
	"execution/pkg/ratelimit"
	"execution/pkg/retry"
	"execution/pkg/utils"
)

// session - живая сессия с площадкой
type session struct {
	conn        venue.Connector
	limiter     *ratelimit.Limiter
	connectedAt time.Time
}

// VenueService управляет жизненным циклом сессий площадок: подключение
// с пробным вызовом, шифрование учётных данных, восстановление сессий
// после рестарта. Реализует engine.ConnectorProvider.
type VenueService struct {
	accounts AccountStore
	encKey   []byte // AES-256 ключ для учётных данных

	mu       sync.RWMutex
	sessions map[string]*session

	// Инжектируемые зависимости для тестов
	newConnector func(venueName string) (venue.Connector, error)
	presetFor    func(venueName string) ratelimit.Preset
}

func NewVenueService(accounts AccountStore, encKey []byte) *VenueService {
	return &VenueService{
		accounts:     accounts,
		encKey:       encKey,
		sessions:     make(map[string]*session),
		newConnector: venue.NewConnector,
		presetFor:    ratelimit.PresetFor,
	}
}

// SetRateLimits переопределяет бюджеты запросов из конфигурации.
// Нулевые поля наследуют встроенный preset площадки. Действует на сессии,
// созданные после вызова.
func (s *VenueService) SetRateLimits(overrides map[string]ratelimit.Preset) {
	base := s.presetFor
	s.presetFor = func(venueName string) ratelimit.Preset {
		p := base(venueName)
		if o, ok := overrides[venueName]; ok {
			if o.MaxConcurrent > 0 {
				p.MaxConcurrent = o.MaxConcurrent
			}
			if o.MinInterval > 0 {
				p.MinInterval = o.MinInterval
			}
		}
		return p
	}
}

// Connect проверяет учётные данные пробным подключением, сохраняет их
// зашифрованными и регистрирует сессию. Повторный Connect заменяет
// существующую сессию.
func (s *VenueService) Connect(ctx context.Context, req *ConnectRequest) error {
	if !venue.IsSupported(req.Venue) {
		return fmt.Errorf("unsupported venue: %s", req.Venue)
	}
	if req.APIKey == "" || req.SecretKey == "" {
		return errors.New("api_key and secret_key are required")
	}

	conn, err := s.newConnector(req.Venue)
	if err != nil {
		return err
	}

	creds := venue.Credentials{
		APIKey:     req.APIKey,
		SecretKey:  req.SecretKey,
		Passphrase: req.Passphrase,
		UseTestnet: req.UseTestnet,
	}

	// Пробное подключение с повторами на сетевые сбои; неверные ключи
	// (auth) не повторяются
	connectCfg := retry.ConnectConfig()
	connectCfg.RetryIf = retry.IsRetryable
	err = retry.Do(ctx, func() error {
		return conn.Connect(ctx, creds)
	}, connectCfg)
	if err != nil {
		_ = s.accounts.SetConnected(req.Venue, false, err.Error())
		return fmt.Errorf("venue connection probe failed: %w", err)
	}

	if err := s.persistCredentials(req); err != nil {
		_ = conn.Disconnect()
		return err
	}

	s.register(req.Venue, conn)
	utils.L().Sugar().Infow("venue connected",
		"venue", req.Venue, "testnet", req.UseTestnet)
	return nil
}

func (s *VenueService) persistCredentials(req *ConnectRequest) error {
	encKey, err := crypto.Encrypt(req.APIKey, s.encKey)
	if err != nil {
		return fmt.Errorf("encrypt api key: %w", err)
	}
	encSecret, err := crypto.Encrypt(req.SecretKey, s.encKey)
	if err != nil {
		return fmt.Errorf("encrypt secret key: %w", err)
	}
	encPassphrase := ""
	if req.Passphrase != "" {
		if encPassphrase, err = crypto.Encrypt(req.Passphrase, s.encKey); err != nil {
			return fmt.Errorf("encrypt passphrase: %w", err)
		}
	}

	return s.accounts.Upsert(&models.VenueAccount{
		Venue:      req.Venue,
		APIKey:     encKey,
		SecretKey:  encSecret,
		Passphrase: encPassphrase,
		Connected:  true,
		UseTestnet: req.UseTestnet,
	})
}

func (s *VenueService) register(venueName string, conn venue.Connector) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.sessions[venueName]; ok {
		_ = old.conn.Disconnect()
	}
	s.sessions[venueName] = &session{
		conn:        conn,
		limiter:     ratelimit.New(venueName, s.presetFor(venueName)),
		connectedAt: time.Now(),
	}
}

// Disconnect закрывает сессию, учётные данные остаются сохранёнными
func (s *VenueService) Disconnect(venueName string) error {
	s.mu.Lock()
	sess, ok := s.sessions[venueName]
	delete(s.sessions, venueName)
	s.mu.Unlock()

	if !ok {
		return venue.NewNotConnected(venueName)
	}

	err := sess.conn.Disconnect()
	if dbErr := s.accounts.SetConnected(venueName, false, ""); dbErr != nil &&
		!errors.Is(dbErr, repository.ErrVenueAccountNotFound) {
		utils.L().Sugar().Warnw("failed to persist disconnect", "venue", venueName, "error", dbErr)
	}
	utils.L().Sugar().Infow("venue disconnected", "venue", venueName)
	return err
}

// Forget закрывает сессию и удаляет учётные данные
func (s *VenueService) Forget(venueName string) error {
	if err := s.Disconnect(venueName); err != nil && !isNotConnected(err) {
		return err
	}
	err := s.accounts.Delete(venueName)
	if errors.Is(err, repository.ErrVenueAccountNotFound) {
		return nil
	}
	return err
}

func isNotConnected(err error) bool {
	var verr *venue.Error
	return errors.As(err, &verr) && verr.Kind == venue.FaultNotConnected
}

// Sessions возвращает состояние всех поддерживаемых площадок
func (s *VenueService) Sessions() []venue.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]venue.Session, 0, len(venue.SupportedVenues()))
	for _, name := range venue.SupportedVenues() {
		sess, connected := s.sessions[name]
		item := venue.Session{Venue: name, Connected: connected}
		if connected {
			item.LastHealthCheck = sess.connectedAt
		}
		out = append(out, item)
	}
	return out
}

// Connector возвращает адаптер подключённой площадки
func (s *VenueService) Connector(venueName string) (venue.Connector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[venueName]
	if !ok {
		return nil, venue.NewNotConnected(venueName)
	}
	return sess.conn, nil
}

// Limiter возвращает rate limiter подключённой площадки
func (s *VenueService) Limiter(venueName string) (*ratelimit.Limiter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[venueName]
	if !ok {
		return nil, venue.NewNotConnected(venueName)
	}
	return sess.limiter, nil
}

// Balance возвращает доступный баланс площадки
func (s *VenueService) Balance(ctx context.Context, venueName string) (float64, error) {
	sess, err := s.session(venueName)
	if err != nil {
		return 0, err
	}
	if err := sess.limiter.AdmitGlobal(ctx); err != nil {
		return 0, err
	}
	return sess.conn.GetBalance(ctx)
}

// Positions возвращает открытые позиции площадки
func (s *VenueService) Positions(ctx context.Context, venueName string) ([]*models.Position, error) {
	sess, err := s.session(venueName)
	if err != nil {
		return nil, err
	}
	if err := sess.limiter.AdmitGlobal(ctx); err != nil {
		return nil, err
	}
	return sess.conn.GetPositions(ctx)
}

// Price возвращает последнюю цену символа
func (s *VenueService) Price(ctx context.Context, venueName, symbol string) (float64, error) {
	if err := utils.ValidateSymbol(symbol); err != nil {
		return 0, err
	}
	sess, err := s.session(venueName)
	if err != nil {
		return 0, err
	}
	if err := sess.limiter.Admit(ctx, "price:"+symbol); err != nil {
		return 0, err
	}
	return sess.conn.GetCurrentPrice(ctx, symbol)
}

// MarginHealth возвращает запас маржи до ликвидации
func (s *VenueService) MarginHealth(ctx context.Context, venueName string) (float64, error) {
	sess, err := s.session(venueName)
	if err != nil {
		return 0, err
	}
	if err := sess.limiter.AdmitGlobal(ctx); err != nil {
		return 0, err
	}
	return sess.conn.GetMarginHealthRatio(ctx)
}

func (s *VenueService) session(venueName string) (*session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[venueName]
	if !ok {
		return nil, venue.NewNotConnected(venueName)
	}
	return sess, nil
}

// RestoreSessions переподключает площадки, помеченные connected, после
// рестарта процесса. Сбой одной площадки не мешает остальным.
func (s *VenueService) RestoreSessions(ctx context.Context) {
	log := utils.L().Sugar()

	accounts, err := s.accounts.GetAll()
	if err != nil {
		log.Errorw("failed to load venue accounts", "error", err)
		return
	}

	for _, account := range accounts {
		if !account.Connected {
			continue
		}

		req, err := s.decryptAccount(account)
		if err != nil {
			log.Errorw("failed to decrypt venue credentials",
				"venue", account.Venue, "error", err)
			_ = s.accounts.SetConnected(account.Venue, false, "credential decryption failed")
			continue
		}

		if err := s.Connect(ctx, req); err != nil {
			log.Warnw("venue session restore failed",
				"venue", account.Venue, "error", err)
			continue
		}
		log.Infow("venue session restored", "venue", account.Venue)
	}
}

func (s *VenueService) decryptAccount(account *models.VenueAccount) (*ConnectRequest, error) {
	apiKey, err := crypto.Decrypt(account.APIKey, s.encKey)
	if err != nil {
		return nil, err
	}
	secretKey, err := crypto.Decrypt(account.SecretKey, s.encKey)
	if err != nil {
		return nil, err
	}
	passphrase := ""
	if account.Passphrase != "" {
		if passphrase, err = crypto.Decrypt(account.Passphrase, s.encKey); err != nil {
			return nil, err
		}
	}

	return &ConnectRequest{
		Venue:      account.Venue,
		APIKey:     apiKey,
		SecretKey:  secretKey,
		Passphrase: passphrase,
		UseTestnet: account.UseTestnet,
	}, nil
}
