package powerauth

import "context"

// Protocol upgrade V2 -> V3: the legacy numeric counter is replaced by the
// hash-based counter. The server issues the chain seed in the start step;
// the commit step, signed with the possession factor under the new counter,
// proves the client switched before the server discards the numeric state.

type upgradeStartRequest struct {
	ActivationID string `json:"activationId"`
}

type upgradeStartResponse struct {
	CtrData string `json:"ctrData"`
}

// upgradeProtocol runs the start/commit upgrade exchange. Called without the
// instance lock held.
func (pa *PowerAuth) upgradeProtocol(ctx context.Context) error {
	pa.mu.Lock()
	if pa.record == nil || pa.record.Version != ProtocolV2 {
		pa.mu.Unlock()
		return newError(ErrInvalidActivationState, "no V2 activation to upgrade")
	}
	activationID := pa.record.ActivationID
	pa.mu.Unlock()

	var resp upgradeStartResponse
	req := upgradeStartRequest{ActivationID: activationID}
	if err := pa.rest.post(ctx, endpointUpgradeStart, nil, &req, &resp); err != nil {
		return err
	}
	seed, err := b64decode(resp.CtrData)
	if err != nil {
		return newError(ErrNetwork, "malformed counter seed in upgrade response")
	}

	pa.mu.Lock()
	if pa.record == nil || pa.record.Version != ProtocolV2 {
		pa.mu.Unlock()
		return newError(ErrInvalidActivationState, "activation changed during upgrade")
	}
	prevCounter := pa.record.Counter.clone()
	if err := pa.record.Counter.upgradeToHashCounter(seed); err != nil {
		pa.mu.Unlock()
		return wrapError(ErrNetwork, "server counter seed rejected", err)
	}
	pa.record.Version = ProtocolV3
	if err := pa.persistRecord(); err != nil {
		pa.record.Counter = prevCounter
		pa.record.Version = ProtocolV2
		pa.mu.Unlock()
		return err
	}
	pa.mu.Unlock()

	// Commit under the new counter. The server installed the seed during
	// start, so signatures keep validating even if this confirmation is
	// lost; the server just keeps the legacy state until a commit lands.
	auth := &Authentication{UsePossession: true}
	if err := pa.signedRequest(ctx, auth, uriIDUpgradeCommit, endpointUpgradeCommit, nil, nil); err != nil {
		return err
	}
	pa.logger.Info().Msg("Protocol upgraded to V3")
	return nil
}
