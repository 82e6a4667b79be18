package powerauth

import (
	"context"
	"encoding/json"
)

// Normalized URI identifiers entering the signature base string. These are
// protocol constants shared with the server, not transport paths.
const (
	uriIDActivationRemove  = "/pa/activation/remove"
	uriIDUpgradeStart      = "/pa/upgrade/start"
	uriIDUpgradeCommit     = "/pa/upgrade/commit"
	uriIDSignatureValidate = "/pa/signature/validate"
	uriIDVaultUnlock       = "/pa/vault/unlock"
	uriIDTokenCreate       = "/pa/token/create"
	uriIDTokenRemove       = "/pa/token/remove"
	uriIDRecoveryConfirm   = "/pa/recovery/confirm"
)

type signatureValidateResponse struct {
	Counter uint64 `json:"counter"`
}

// signedRequest performs one signature-authenticated POST exchange. When the
// server reports the signature counter out of sync, the engine runs the
// resynchronization handshake and retries the original call exactly once;
// every other failure is terminal to the call.
func (pa *PowerAuth) signedRequest(ctx context.Context, auth *Authentication, uriID, path string, request, out any) error {
	var body []byte
	if request != nil {
		var err error
		body, err = json.Marshal(request)
		if err != nil {
			return wrapError(ErrInvalidParameter, "failed to encode request", err)
		}
	}

	resynced := false
	for {
		header, err := pa.RequestSignature(ctx, auth, "POST", uriID, body)
		if err != nil {
			return err
		}
		err = pa.rest.postRaw(ctx, path, map[string]string{header.Key: header.Value}, body, out)
		if err == nil {
			return nil
		}

		switch ServerCode(err) {
		case codeCounterOutOfSync:
			if resynced {
				return wrapError(ErrCounterDesynchronized, "counter still out of sync after resynchronization", err)
			}
			resynced = true
			if rerr := pa.resynchronizeCounter(ctx); rerr != nil {
				return rerr
			}
			continue
		case codeActivationBlocked:
			pa.markBlocked()
			return err
		case codeActivationRemoved, codeActivationNotFound:
			return err
		default:
			return err
		}
	}
}

// resynchronizeCounter runs the signature-validate round trip: a
// possession-only signature proves the device, the response carries the
// server's counter index, and the local counter is advanced to match within
// the look-ahead window.
func (pa *PowerAuth) resynchronizeCounter(ctx context.Context) error {
	auth := &Authentication{UsePossession: true}
	header, err := pa.RequestSignature(ctx, auth, "POST", uriIDSignatureValidate, nil)
	if err != nil {
		return err
	}
	var resp signatureValidateResponse
	err = pa.rest.postRaw(ctx, endpointSignatureValidate, map[string]string{header.Key: header.Value}, nil, &resp)
	if err != nil {
		return wrapError(ErrCounterDesynchronized, "signature validation round trip failed", err)
	}

	pa.mu.Lock()
	defer pa.mu.Unlock()
	if pa.record == nil {
		return newError(ErrMissingActivation, "activation removed during resynchronization")
	}
	distance, err := pa.record.Counter.distanceTo(resp.Counter)
	if err != nil {
		return wrapError(ErrCounterDesynchronized, "counter unrecoverable", err)
	}
	if distance > 0 {
		pa.record.Counter.advanceBy(distance)
		if err := pa.persistRecord(); err != nil {
			return err
		}
	}
	pa.logger.Info().Uint64("distance", distance).Msg("Counter resynchronized")
	return nil
}

// markBlocked mirrors a server-side block into the local record.
func (pa *PowerAuth) markBlocked() {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	if pa.record == nil || pa.record.Status == StatusBlocked {
		return
	}
	pa.record.Status = StatusBlocked
	if err := pa.persistRecord(); err != nil {
		pa.logger.Error().Err(err).Msg("Failed to persist blocked status")
	}
	pa.logger.Warn().Msg("Activation blocked by server")
}
