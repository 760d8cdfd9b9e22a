package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"keyauth-service/internal/config"
	"keyauth-service/internal/util"
)

// PreparedStatements holds the statements the repositories execute on hot paths
type PreparedStatements struct {
	CreateIdentity        *gocql.Query
	CreateEmailToIdentity *gocql.Query
	GetIdentityByEmail    *gocql.Query
	GetIdentityByID       *gocql.Query
	UpdateIdentityKey     *gocql.Query
	UpdateLastLogin       *gocql.Query

	CreateTokenByHash     *gocql.Query
	CreateTokenByUser     *gocql.Query
	GetTokenByHash        *gocql.Query
	TouchTokenByHash      *gocql.Query
	ListTokenHashesByUser *gocql.Query
	DeleteTokenByHash     *gocql.Query
	DeleteTokenByUser     *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 "/root/certs/ca.pem",
			CertPath:               "/root/certs/server.pem",
			KeyPath:                "/root/certs/server.key",
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.CreateIdentity = s.Session.Query(`
        INSERT INTO identities (
            identity_bucket, identity_id, email_hash, email_encrypted, email_key_id,
            public_key, prompt_ids, created_at, updated_at, last_login
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.CreateEmailToIdentity = s.Session.Query(`
        INSERT INTO email_to_identity (email_hash, identity_bucket, identity_id, created_at)
        VALUES (?, ?, ?, ?)`)

	prepared.GetIdentityByEmail = s.Session.Query(`
        SELECT identity_bucket, identity_id FROM email_to_identity WHERE email_hash = ?`)

	prepared.GetIdentityByID = s.Session.Query(`
        SELECT identity_bucket, identity_id, email_hash, email_encrypted, email_key_id,
            public_key, prompt_ids, created_at, updated_at, last_login
        FROM identities WHERE identity_bucket = ? AND identity_id = ?`)

	prepared.UpdateIdentityKey = s.Session.Query(`
        UPDATE identities SET public_key = ?, prompt_ids = ?, updated_at = ?
        WHERE identity_bucket = ? AND identity_id = ?`)

	prepared.UpdateLastLogin = s.Session.Query(`
        UPDATE identities SET last_login = ? WHERE identity_bucket = ? AND identity_id = ?`)

	prepared.CreateTokenByHash = s.Session.Query(`
        INSERT INTO tokens_by_hash (
            token_hash, user_id, device_name, ip, created_at, last_used_at, expires_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?) USING TTL ?`)

	prepared.CreateTokenByUser = s.Session.Query(`
        INSERT INTO device_tokens_by_user (
            user_id, token_hash, device_name, ip, created_at, last_used_at, expires_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?) USING TTL ?`)

	prepared.GetTokenByHash = s.Session.Query(`
        SELECT token_hash, user_id, device_name, ip, created_at, last_used_at, expires_at
        FROM tokens_by_hash WHERE token_hash = ?`)

	prepared.TouchTokenByHash = s.Session.Query(`
        UPDATE tokens_by_hash SET last_used_at = ?, ip = ? WHERE token_hash = ?`)

	prepared.ListTokenHashesByUser = s.Session.Query(`
        SELECT token_hash FROM device_tokens_by_user WHERE user_id = ?`)

	prepared.DeleteTokenByHash = s.Session.Query(`
        DELETE FROM tokens_by_hash WHERE token_hash = ?`)

	prepared.DeleteTokenByUser = s.Session.Query(`
        DELETE FROM device_tokens_by_user WHERE user_id = ? AND token_hash = ?`)

	s.Prepared = prepared
	s.isPrepared = true

	util.Info("ScyllaDB prepared statements created successfully")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) Batch(typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			lastErr = err
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
