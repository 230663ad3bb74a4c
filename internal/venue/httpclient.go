// Package venue предоставляет унифицированный контракт Connector и
// адаптеры к конкретным торговым площадкам.
package venue

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"
)

// HTTPClientConfig - настройки HTTP клиента для API площадок
type HTTPClientConfig struct {
	ConnectTimeout time.Duration // установка TCP соединения
	ReadTimeout    time.Duration // чтение заголовков ответа
	TotalTimeout   time.Duration // общий fallback-таймаут операции

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	TLSHandshakeTimeout time.Duration
	KeepAliveInterval   time.Duration
}

// DefaultHTTPClientConfig - параметры, оптимизированные для торговых
// вызовов с низкой latency
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    10 * time.Second,
		TotalTimeout:   30 * time.Second,

		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout: 5 * time.Second,
		KeepAliveInterval:   30 * time.Second,
	}
}

var (
	sharedClient     *http.Client
	sharedClientOnce sync.Once
)

// SharedHTTPClient возвращает общий клиент с connection pooling.
// Все адаптеры переиспользуют один pool.
func SharedHTTPClient() *http.Client {
	sharedClientOnce.Do(func() {
		sharedClient = NewHTTPClient(DefaultHTTPClientConfig())
	})
	return sharedClient
}

// NewHTTPClient создаёт клиент с заданной конфигурацией
func NewHTTPClient(cfg HTTPClientConfig) *http.Client {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: cfg.KeepAliveInterval,
	}

	transport := &http.Transport{
		DialContext: dialer.DialContext,

		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,

		TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},

		// Сжатие отключено для минимизации latency
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: cfg.ReadTimeout,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.TotalTimeout,
	}
}

// CloseSharedClient закрывает idle соединения общего клиента.
// Вызывается при graceful shutdown.
func CloseSharedClient() {
	if sharedClient != nil {
		if transport, ok := sharedClient.Transport.(*http.Transport); ok {
			transport.CloseIdleConnections()
		}
	}
}
