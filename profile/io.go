package profile

import (
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"log/slog"

	"github.com/jmcleod/keyward/config"
	"github.com/jmcleod/keyward/request"
)

// keyGenInput carries the submitted key parameters into the request.
type keyGenInput struct {
	keyType string
	keySize string
}

func (in *keyGenInput) Init(cfg config.Store) error {
	in.keyType = cfg.GetString("params.keyType", "RSA")
	in.keySize = cfg.GetString("params.keySize", "2048")
	return nil
}

func (in *keyGenInput) Populate(req *request.Request) error {
	if req.GetExt(request.ExtKeyType) == "" {
		req.SetExt(request.ExtKeyType, in.keyType)
	}
	if req.GetExt(request.ExtKeySize) == "" {
		req.SetExt(request.ExtKeySize, in.keySize)
	}
	return nil
}

// subjectNameInput requires the caller to have supplied a subject DN.
type subjectNameInput struct{}

func (*subjectNameInput) Init(config.Store) error { return nil }

func (*subjectNameInput) Populate(req *request.Request) error {
	if req.GetExt(request.ExtSubjectName) == "" {
		return fmt.Errorf("subject name not supplied")
	}
	return nil
}

// submitterInfoInput records who submitted the request.
type submitterInfoInput struct{}

func (*submitterInfoInput) Init(config.Store) error { return nil }

func (*submitterInfoInput) Populate(req *request.Request) error {
	if req.GetExt(request.ExtRequesterID) == "" {
		return fmt.Errorf("requester identity not supplied")
	}
	return nil
}

// certOutput renders the issued certificate as PEM into the request.
type certOutput struct{}

func (*certOutput) Init(config.Store) error { return nil }

func (*certOutput) Populate(req *request.Request) error {
	b64 := req.GetExt(request.ExtIssuedCert)
	if b64 == "" {
		return fmt.Errorf("no issued certificate on request %s", req.ID)
	}
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("decode issued certificate: %w", err)
	}
	block := &pem.Block{Type: "CERTIFICATE", Bytes: der}
	req.SetExt(request.ExtCertOutput, string(pem.EncodeToMemory(block)))
	return nil
}

// logUpdater announces completed requests through the configured logger.
type logUpdater struct {
	logger *slog.Logger
}

func (u *logUpdater) Init(config.Store) error {
	if u.logger == nil {
		u.logger = slog.Default()
	}
	return nil
}

func (u *logUpdater) Update(req *request.Request) error {
	u.logger.Info("request completed",
		"request_id", req.ID,
		"type", string(req.Type),
		"serial", req.GetExt(request.ExtIssuedCertSerial),
	)
	return nil
}

// noopUpdater is a placeholder for profiles with no post-issuance work.
type noopUpdater struct{}

func (*noopUpdater) Init(config.Store) error       { return nil }
func (*noopUpdater) Update(*request.Request) error { return nil }
