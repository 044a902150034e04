package cmd

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/keyward/api"
	"github.com/jmcleod/keyward/audit"
	"github.com/jmcleod/keyward/ca"
	"github.com/jmcleod/keyward/config"
	"github.com/jmcleod/keyward/internal/util"
	"github.com/jmcleod/keyward/kra"
	"github.com/jmcleod/keyward/profile"
	"github.com/jmcleod/keyward/request"
	bboltstorage "github.com/jmcleod/keyward/storage/bbolt"
)

var (
	port         int
	dataDir      string
	tlsCert      string
	tlsKey       string
	caCertFile   string
	caKeyFile    string
	profilesFile string
	connectorURL string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the certificate and key archival server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

		repo, err := bboltstorage.NewRepositoryFromFile(dataDir+"/keyward.db", nil)
		if err != nil {
			return fmt.Errorf("failed to open record storage: %w", err)
		}
		defer repo.Close()

		master, err := loadOrCreateKeyFile(dataDir + "/master.key")
		if err != nil {
			return fmt.Errorf("failed to load master key: %w", err)
		}
		recordKey, err := util.DeriveRecordKey(master, "records")
		if err != nil {
			return err
		}
		util.WipeBytes(master)

		transport, err := loadOrCreateTransportKey(dataDir + "/transport.key")
		if err != nil {
			return fmt.Errorf("failed to load transport key: %w", err)
		}

		cfgPath := profilesFile
		if cfgPath == "" {
			cfgPath = dataDir + "/profiles.yaml"
		}
		cfg, err := config.NewFileStore(cfgPath)
		if err != nil {
			return fmt.Errorf("failed to load profile configuration: %w", err)
		}
		if cfg.GetString("list", "") == "" {
			seedDefaultProfiles(cfg)
			if err := cfg.Commit(true); err != nil {
				return fmt.Errorf("failed to write default profiles: %w", err)
			}
		}
		profiles := profile.NewStore(cfg, profile.NewDefaultRegistry(), logger)
		if err := profiles.Load(); err != nil {
			return fmt.Errorf("failed to load profiles: %w", err)
		}

		authority, err := loadAuthority()
		if err != nil {
			return err
		}

		vol := request.NewVolatileStore()
		keys := kra.NewKeyRepository(repo, recordKey)
		processor := &kra.RecoveryProcessor{
			Keys:         keys,
			Volatile:     vol,
			TransportKey: transport,
			Padding:      ca.PaddingOAEP,
		}
		queue := request.NewRepoQueue(repo, recordKey, processor)
		svc := kra.NewKeyService(queue, keys, vol, audit.New(logger), logger)

		transportCert, err := issueTransportCert(authority, transport)
		if err != nil {
			return fmt.Errorf("failed to issue transport certificate: %w", err)
		}

		var connector ca.Connector
		if connectorURL != "" {
			connector = ca.NewHTTPConnector(connectorURL)
		} else {
			connector = &kra.LocalConnector{
				Keys:         keys,
				TransportKey: transport,
				Padding:      ca.PaddingOAEP,
			}
		}

		executor := &ca.EnrollExecutor{
			Authority:     authority,
			Connector:     connector,
			Queue:         queue,
			Audit:         audit.New(logger),
			Logger:        logger,
			TransportCert: transportCert,
			Padding:       ca.PaddingOAEP,
		}

		a := api.New(profiles, executor, svc, queue, api.WithLogger(logger))

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/api/v1", a.Router())

		var tlsConfig *tls.Config
		if tlsCert != "" && tlsKey != "" {
			cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		} else {
			cert, err := util.GenerateSelfSignedCert()
			if err != nil {
				return fmt.Errorf("failed to generate self-signed certificate: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
			fmt.Println("Using self-signed runtime generated certificate for TLS")
		}

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Starting server on port %d (data: %s)...\n", port, dataDir)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// loadOrCreateKeyFile reads a raw AES key from path, generating and
// persisting one on first start.
func loadOrCreateKeyFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != util.AESKeySize {
			return nil, fmt.Errorf("key file %s has wrong size %d", path, len(raw))
		}
		return raw, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	key, err := util.NewAESKey()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

// loadOrCreateTransportKey reads the recovery-service transport RSA key,
// generating a 2048-bit one on first start.
func loadOrCreateTransportKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		block, _ := pem.Decode(raw)
		if block == nil {
			return nil, fmt.Errorf("transport key file %s is not PEM", path)
		}
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing transport key: %w", err)
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("transport key in %s is not RSA", path)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	raw = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

// loadAuthority loads the CA keypair from the configured files, or creates
// an ephemeral self-signed authority.
func loadAuthority() (*ca.Authority, error) {
	if caCertFile == "" || caKeyFile == "" {
		fmt.Println("Using ephemeral self-signed issuing authority")
		return ca.NewSelfSignedAuthority("Keyward CA")
	}

	pair, err := tls.LoadX509KeyPair(caCertFile, caKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA key pair: %w", err)
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}
	signer, ok := pair.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("CA private key does not implement crypto.Signer")
	}
	return ca.NewAuthority(cert, signer), nil
}

// issueTransportCert signs a certificate over the transport key so the
// enrollment executor can wrap session keys for the recovery service.
func issueTransportCert(authority *ca.Authority, transport *rsa.PrivateKey) (*x509.Certificate, error) {
	now := time.Now().UTC()
	return authority.Issue(&x509.Certificate{
		Subject:   pkix.Name{CommonName: "Keyward KRA Transport"},
		NotBefore: now,
		NotAfter:  now.AddDate(2, 0, 0),
		KeyUsage:  x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment,
		PublicKey: transport.Public(),
	})
}

// seedDefaultProfiles writes a minimal starter profile set on first start:
// a user certificate profile and a server-side keygen profile.
func seedDefaultProfiles(cfg config.Store) {
	put := func(key, value string) { cfg.PutString(key, value) }

	put("list", "caUserCert,caServerKeygen")

	put("caUserCert.name", "User Certificate")
	put("caUserCert.desc", "User certificate enrollment with a submitted key")
	put("caUserCert.enable", "true")
	put("caUserCert.visible", "true")
	put("caUserCert.input.list", "i1,i2")
	put("caUserCert.input.i1.class_id", "subjectNameInputImpl")
	put("caUserCert.input.i2.class_id", "submitterInfoInputImpl")
	put("caUserCert.output.list", "o1")
	put("caUserCert.output.o1.class_id", "certOutputImpl")
	put("caUserCert.updater.list", "u1")
	put("caUserCert.updater.u1.class_id", "logUpdaterImpl")
	put("caUserCert.policyset.list", "userCertSet")
	put("caUserCert.policyset.userCertSet.list", "subject,key,validity,keyUsage")
	put("caUserCert.policyset.userCertSet.subject.default.class_id", "subjectNameDefaultImpl")
	put("caUserCert.policyset.userCertSet.subject.constraint.class_id", "subjectNameConstraintImpl")
	put("caUserCert.policyset.userCertSet.key.default.class_id", "userKeyDefaultImpl")
	put("caUserCert.policyset.userCertSet.key.constraint.class_id", "keyConstraintImpl")
	put("caUserCert.policyset.userCertSet.key.constraint.params.keyMinSize", "2048")
	put("caUserCert.policyset.userCertSet.validity.default.class_id", "validityDefaultImpl")
	put("caUserCert.policyset.userCertSet.validity.default.params.range", "365")
	put("caUserCert.policyset.userCertSet.validity.constraint.class_id", "validityConstraintImpl")
	put("caUserCert.policyset.userCertSet.validity.constraint.params.range", "730")
	put("caUserCert.policyset.userCertSet.keyUsage.default.class_id", "keyUsageDefaultImpl")
	put("caUserCert.policyset.userCertSet.keyUsage.default.params.digitalSignature", "true")
	put("caUserCert.policyset.userCertSet.keyUsage.default.params.keyEncipherment", "true")
	put("caUserCert.policyset.userCertSet.keyUsage.constraint.class_id", "noConstraintImpl")

	put("caServerKeygen.name", "Server-Side Keygen Certificate")
	put("caServerKeygen.desc", "Enrollment with server-generated, escrowed keys")
	put("caServerKeygen.enable", "true")
	put("caServerKeygen.visible", "true")
	put("caServerKeygen.input.list", "i1,i2,i3")
	put("caServerKeygen.input.i1.class_id", "subjectNameInputImpl")
	put("caServerKeygen.input.i2.class_id", "keyGenInputImpl")
	put("caServerKeygen.input.i3.class_id", "submitterInfoInputImpl")
	put("caServerKeygen.output.list", "o1")
	put("caServerKeygen.output.o1.class_id", "certOutputImpl")
	put("caServerKeygen.policyset.list", "keygenSet")
	put("caServerKeygen.policyset.keygenSet.list", "subject,serverKeygen,ski,validity,keyUsage")
	put("caServerKeygen.policyset.keygenSet.subject.default.class_id", "subjectNameDefaultImpl")
	put("caServerKeygen.policyset.keygenSet.subject.constraint.class_id", "subjectNameConstraintImpl")
	put("caServerKeygen.policyset.keygenSet.serverKeygen.default.class_id", "serverKeygenDefaultImpl")
	put("caServerKeygen.policyset.keygenSet.serverKeygen.constraint.class_id", "noConstraintImpl")
	put("caServerKeygen.policyset.keygenSet.ski.default.class_id", "subjectKeyIDDefaultImpl")
	put("caServerKeygen.policyset.keygenSet.ski.constraint.class_id", "noConstraintImpl")
	put("caServerKeygen.policyset.keygenSet.validity.default.class_id", "validityDefaultImpl")
	put("caServerKeygen.policyset.keygenSet.validity.default.params.range", "365")
	put("caServerKeygen.policyset.keygenSet.validity.constraint.class_id", "validityConstraintImpl")
	put("caServerKeygen.policyset.keygenSet.keyUsage.default.class_id", "keyUsageDefaultImpl")
	put("caServerKeygen.policyset.keygenSet.keyUsage.default.params.digitalSignature", "true")
	put("caServerKeygen.policyset.keygenSet.keyUsage.default.params.keyEncipherment", "true")
	put("caServerKeygen.policyset.keygenSet.keyUsage.constraint.class_id", "noConstraintImpl")
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", 8443, "Port to listen on")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	serverCmd.Flags().StringVar(&caCertFile, "ca-cert", "", "Path to issuing CA certificate file")
	serverCmd.Flags().StringVar(&caKeyFile, "ca-key", "", "Path to issuing CA key file")
	serverCmd.Flags().StringVar(&profilesFile, "profiles", "", "Path to the profile configuration file")
	serverCmd.Flags().StringVar(&connectorURL, "recovery-url", "", "Base URL of a remote key recovery service (default: in-process)")
}
