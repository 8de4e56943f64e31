package mechanism

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/chain"
	"github.com/bankofai/x402-go/metrics"
	"github.com/bankofai/x402-go/settlement"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// Settle relays the authorized transfer at most once per (network, from,
// asset, nonce). A repeated call returns the recorded outcome. Failures are
// reported in the response; the error is set only when ctx ends while waiting
// for a concurrent settlement of the same authorization.
func (m *FacilitatorMechanism) Settle(ctx context.Context, payload x402.PaymentPayload, req x402.PaymentRequirements) (*x402.SettleResponse, error) {
	start := time.Now()
	resp, err := m.settle(ctx, &payload, &req)

	result := "error"
	if resp != nil {
		result = "settled"
		if !resp.Success {
			result = string(resp.ErrorReason)
		}
	}
	labels := metrics.Labels(string(m.Scheme()), req.Network, result)
	m.metrics.IncCounter(metrics.SettleTotal, labels)
	m.metrics.ObserveLatency(metrics.SettleSeconds, time.Since(start), labels)
	return resp, err
}

func (m *FacilitatorMechanism) settle(ctx context.Context, p *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	payer := p.Payer()
	log := m.logger.With(zap.String("network", req.Network), zap.String("payer", payer))

	key, err := m.claimKey(p, req)
	if err != nil {
		return m.failure(req, payer, err), nil
	}
	log = log.With(zap.String("nonce", p.Payload.Authorization.Nonce))

	rec, err := m.store.Get(ctx, key)
	if err != nil {
		log.Error("settlement store read failed", zap.Error(err))
		return m.failure(req, payer, x402.NewPaymentError(x402.ErrCodeRPCUnavailable, "settlement store", err)), nil
	}
	if rec != nil && rec.State.Terminal() {
		return m.replay(log, p, req, rec), nil
	}

	// A consumed nonce may be our own settlement finishing concurrently, so that
	// rejection is decided only after the claim and store are consulted.
	verified, nonceUsed := false, false
	if rec == nil {
		vr, err := m.verify(ctx, p, req)
		if err != nil {
			return m.failure(req, payer, err), nil
		}
		switch {
		case vr.IsValid:
			verified = true
		case vr.InvalidReason == x402.ErrCodeNonceAlreadyUsed:
			nonceUsed = true
		default:
			return &x402.SettleResponse{Network: req.Network, Payer: payer, ErrorReason: vr.InvalidReason}, nil
		}
	}

	claim, shared, err := m.claims.Acquire(ctx, key, m.policy)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return m.failure(req, payer, err), nil
	}
	if shared != nil {
		log.Info("joined concurrent settlement", zap.Bool("success", shared.Success))
		binding := ""
		if rec, err := m.store.Get(ctx, key); err == nil && rec != nil {
			binding = rec.Binding
		}
		if err := m.checkBinding(p, req, binding); err != nil {
			log.Info("concurrent settlement is for another authorization", zap.Error(err))
			return m.failure(req, payer, err), nil
		}
		return shared, nil
	}

	rec, err = m.store.Get(ctx, key)
	if err != nil {
		claim.Release(nil)
		log.Error("settlement store read failed", zap.Error(err))
		return m.failure(req, payer, x402.NewPaymentError(x402.ErrCodeRPCUnavailable, "settlement store", err)), nil
	}

	switch {
	case rec != nil && rec.State.Terminal():
		claim.Release(&rec.Response)
		return m.replay(log, p, req, rec), nil

	case rec != nil:
		if err := m.checkBinding(p, req, rec.Binding); err != nil {
			claim.Release(nil)
			log.Info("pending settlement is for another authorization", zap.Error(err))
			return m.failure(req, payer, err), nil
		}
		log.Info("resuming pending settlement", zap.Int("step", rec.Step), zap.Strings("txs", rec.Transactions))
		return m.execute(ctx, claim, log, p, req, *rec), nil

	case nonceUsed:
		claim.Release(nil)
		return m.failure(req, payer, x402.Errorf(x402.ErrCodeNonceAlreadyUsed, "nonce %s was already used", p.Payload.Authorization.Nonce)), nil

	case !verified:
		vr, err := m.verify(ctx, p, req)
		if err != nil {
			claim.Release(nil)
			return m.failure(req, payer, err), nil
		}
		if !vr.IsValid {
			claim.Release(nil)
			return &x402.SettleResponse{Network: req.Network, Payer: payer, ErrorReason: vr.InvalidReason}, nil
		}
	}

	binding, err := bindingDigest(m.adapter, p, req)
	if err != nil {
		claim.Release(nil)
		return m.failure(req, payer, err), nil
	}
	return m.execute(ctx, claim, log, p, req, settlement.Record{
		Key:       key,
		State:     settlement.StatePending,
		Binding:   binding,
		CreatedAt: m.clock(),
		ExpiresAt: m.expiry(p, req),
	}), nil
}

// replay returns the outcome recorded in rec if p carries the authorization it
// was recorded for.
func (m *FacilitatorMechanism) replay(log *zap.Logger, p *x402.PaymentPayload, req *x402.PaymentRequirements, rec *settlement.Record) *x402.SettleResponse {
	if err := m.checkBinding(p, req, rec.Binding); err != nil {
		log.Info("recorded settlement is for another authorization", zap.Error(err))
		return m.failure(req, p.Payer(), err)
	}
	log.Info("returning recorded settlement", zap.String("state", string(rec.State)))
	return &rec.Response
}

// execute submits and confirms the scheme's calls from rec.Step on, recording
// progress so an interrupted settlement can resume without resubmitting.
func (m *FacilitatorMechanism) execute(ctx context.Context, claim *settlement.Claim, log *zap.Logger, p *x402.PaymentPayload, req *x402.PaymentRequirements, rec settlement.Record) *x402.SettleResponse {
	payer := p.Payer()
	calls, primary, err := m.variant.calls(m.adapter, &p.Payload, req)
	if err != nil {
		claim.Release(nil)
		return m.failure(req, payer, err)
	}

	for ; rec.Step < len(calls); rec.Step++ {
		call := calls[rec.Step]

		var receipt *x402.TxReceipt
		if rec.Step < len(rec.Transactions) {
			var done bool
			receipt, done, err = m.reconcile(ctx, log, p, req, &rec)
			if err != nil {
				log.Warn("pending transaction state unknown", zap.Error(err))
				m.save(ctx, log, rec)
				claim.Release(nil)
				resp := m.failure(req, payer, err)
				resp.Transaction = rec.Transactions[rec.Step]
				return resp
			}
			if done {
				rec.Replaced = nil
				continue
			}
		}

		if receipt == nil && rec.Step >= len(rec.Transactions) {
			tx, err := m.signer.SubmitTransaction(ctx, call.ContractCall)
			if err != nil {
				log.Error("transaction submission failed", zap.String("method", call.Method), zap.Error(err))
				if rec.Step > 0 || len(rec.Replaced) > 0 {
					m.save(ctx, log, rec)
				}
				claim.Release(nil)
				return m.failure(req, payer, x402.NewPaymentError(x402.ErrCodeRPCUnavailable, "submit "+call.Method, err))
			}
			rec.Transactions = append(rec.Transactions, tx.Hash)
			m.save(ctx, log, rec)
		}

		hash := rec.Transactions[rec.Step]
		if receipt == nil {
			receipt, err = m.signer.AwaitConfirmation(ctx, x402.TxHandle{Hash: hash}, m.timeout)
			if err != nil {
				reason := x402.ErrCodeRPCUnavailable
				if x402.ReasonOf(err) == x402.ErrCodeConfirmationTimeout {
					reason = x402.ErrCodeConfirmationTimeout
				}
				log.Warn("transaction not confirmed", zap.String("tx", hash), zap.String("reason", string(reason)), zap.Error(err))
				m.save(ctx, log, rec)
				claim.Release(nil)
				return &x402.SettleResponse{Transaction: hash, Network: req.Network, Payer: payer, ErrorReason: reason}
			}
		}

		if !receipt.Success {
			if r := m.replacedReceipt(ctx, rec); r != nil {
				log.Info("replaced transaction confirmed", zap.String("tx", r.Hash), zap.String("reverted", hash))
				receipt = r
				rec.Transactions[rec.Step] = r.Hash
			}
		}
		if !receipt.Success || !hasTransfer(receipt, call.transfer) {
			if receipt.Success {
				log.Warn("transaction moved no matching tokens", zap.String("tx", receipt.Hash), zap.String("method", call.Method))
			} else {
				log.Warn("transaction reverted", zap.String("tx", receipt.Hash), zap.String("method", call.Method))
			}
			rec.State = settlement.StateFailed
			rec.Response = x402.SettleResponse{
				Transaction: receipt.Hash,
				Network:     req.Network,
				Payer:       payer,
				ErrorReason: x402.ErrCodeContractReverted,
			}
			m.save(ctx, log, rec)
			claim.Release(&rec.Response)
			return &rec.Response
		}
		rec.Replaced = nil
	}

	rec.State = settlement.StateSettled
	rec.Response = x402.SettleResponse{
		Success:     true,
		Transaction: rec.Transactions[primary],
		Network:     req.Network,
		Payer:       payer,
		Amount:      p.Payload.Authorization.Value,
	}
	m.save(ctx, log, rec)
	claim.Release(&rec.Response)
	log.Info("payment settled", zap.String("tx", rec.Response.Transaction), zap.String("amount", rec.Response.Amount))
	return &rec.Response
}

// reconcile looks up the recorded transaction of rec.Step. It returns the
// receipt when the node knows the transaction. Otherwise it reports done when
// the step took effect on chain anyway, or drops the transaction from rec so
// the caller submits the call again.
func (m *FacilitatorMechanism) reconcile(ctx context.Context, log *zap.Logger, p *x402.PaymentPayload, req *x402.PaymentRequirements, rec *settlement.Record) (*x402.TxReceipt, bool, error) {
	hash := rec.Transactions[rec.Step]
	receipt, err := m.signer.TransactionReceipt(ctx, x402.TxHandle{Hash: hash})
	if err == nil {
		return receipt, false, nil
	}
	if !errors.Is(err, x402.ErrTransactionNotFound) {
		return nil, false, rpcError(err)
	}

	done, err := m.variant.stepDone(ctx, m.signer, m.adapter, &p.Payload, req, rec.Step)
	if err != nil {
		return nil, false, rpcError(err)
	}
	if done {
		log.Warn("transaction unknown but its effect is on chain", zap.String("tx", hash), zap.Int("step", rec.Step))
		return nil, true, nil
	}

	log.Warn("dropping unknown transaction", zap.String("tx", hash), zap.Int("step", rec.Step))
	rec.Replaced = append(rec.Replaced, hash)
	rec.Transactions = rec.Transactions[:rec.Step]
	return nil, false, nil
}

// replacedReceipt returns the successful receipt of a transaction that was
// replaced during the current step, if one was mined after all.
func (m *FacilitatorMechanism) replacedReceipt(ctx context.Context, rec settlement.Record) *x402.TxReceipt {
	for i := len(rec.Replaced) - 1; i >= 0; i-- {
		r, err := m.signer.TransactionReceipt(ctx, x402.TxHandle{Hash: rec.Replaced[i]})
		if err == nil && r.Success {
			return r
		}
	}
	return nil
}

func hasTransfer(receipt *x402.TxReceipt, want *chain.Transfer) bool {
	if want == nil {
		return true
	}
	for _, l := range receipt.Logs {
		if t, ok := chain.DecodeTransfer(l); ok && t.Matches(*want) {
			return true
		}
	}
	return false
}

// checkBinding re-checks that a payload reading or resuming a recorded
// settlement carries a valid signature for this requirement and, when binding
// is set, the same authorization. Expiry and nonce state are not rechecked
// because the recorded transaction may already have consumed them.
func (m *FacilitatorMechanism) checkBinding(p *x402.PaymentPayload, req *x402.PaymentRequirements, binding string) error {
	if p.Scheme != req.Scheme || p.Network != req.Network || req.Scheme != m.Scheme() {
		return x402.Errorf(x402.ErrCodeSchemeOrNetworkMismatch, "payload does not match requirement")
	}
	if !sameAddress(m.adapter, p.Payload.Authorization.To, req.PayTo) {
		return x402.Errorf(x402.ErrCodeRecipientMismatch, "payment goes to %s, not %s", p.Payload.Authorization.To, req.PayTo)
	}
	if err := m.variant.checkStructure(m.adapter, &p.Payload, req); err != nil {
		return err
	}
	if err := m.checkSignature(p, req); err != nil {
		return err
	}
	if binding == "" {
		return nil
	}
	digest, err := bindingDigest(m.adapter, p, req)
	if err != nil {
		return err
	}
	if digest != binding {
		return x402.Errorf(x402.ErrCodeNonceAlreadyUsed, "nonce %s was used by another authorization", p.Payload.Authorization.Nonce)
	}
	return nil
}

// bindingDigest hashes everything a settlement moves: the signed authorization
// and permit, the asset, the recipient and the fee. The signature is left out
// so an equivalent encoding of the same signature still matches.
func bindingDigest(a chain.Adapter, p *x402.PaymentPayload, req *x402.PaymentRequirements) (string, error) {
	addr := func(native string) (string, error) {
		raw, err := a.SigningAddress(native)
		if err != nil {
			return "", x402.NewPaymentError(x402.ErrCodeInvalidAddressFormat, native, err)
		}
		return raw.Hex(), nil
	}
	num := func(s string) string {
		if n, ok := x402.ParseBigInt(s); ok {
			return n.String()
		}
		return s
	}

	auth := p.Payload.Authorization
	parts := []string{string(p.Scheme), p.Network}
	for _, native := range []string{req.Asset, req.PayTo, auth.From, auth.To} {
		s, err := addr(native)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	parts = append(parts, num(auth.Value), num(auth.ValidAfter), num(auth.ValidBefore), strings.ToLower(auth.Nonce))

	if permit := p.Payload.Permit; permit != nil {
		for _, native := range []string{permit.Owner, permit.Spender} {
			s, err := addr(native)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		parts = append(parts, num(permit.Value), num(permit.Nonce), num(permit.Deadline))
	}
	if fee, ok := req.FeeAmountInt(); ok && fee.Sign() > 0 {
		feeTo, err := addr(req.Extra.Fee.FeeTo)
		if err != nil {
			return "", err
		}
		parts = append(parts, feeTo, fee.String())
	}
	return hexutil.Encode(crypto.Keccak256([]byte(strings.Join(parts, "|")))), nil
}

func (m *FacilitatorMechanism) claimKey(p *x402.PaymentPayload, req *x402.PaymentRequirements) (string, error) {
	auth := p.Payload.Authorization
	if auth == nil {
		return "", x402.Errorf(x402.ErrCodeMalformedPayload, "authorization is missing")
	}
	conv := m.adapter.Converter()
	from, err := conv.Normalize(auth.From)
	if err != nil {
		return "", err
	}
	asset, err := conv.Normalize(req.Asset)
	if err != nil {
		return "", x402.NewPaymentError(x402.ErrCodeInvalidRequirements, "asset", err)
	}
	if _, err := nonceBytes(auth.Nonce); err != nil {
		return "", err
	}
	return settlement.Key(req.Network, from, asset, auth.Nonce), nil
}

func (m *FacilitatorMechanism) expiry(p *x402.PaymentPayload, req *x402.PaymentRequirements) time.Time {
	if vb, ok := x402.ParseBigInt(p.Payload.Authorization.ValidBefore); ok && vb.IsInt64() {
		return time.Unix(vb.Int64(), 0).Add(m.grace)
	}
	return m.clock().Add(time.Duration(req.Window())*time.Second + m.grace)
}

func (m *FacilitatorMechanism) save(ctx context.Context, log *zap.Logger, rec settlement.Record) {
	if err := m.store.Save(ctx, rec); err != nil {
		log.Error("settlement store write failed", zap.String("state", string(rec.State)), zap.Error(err))
	}
}

func (m *FacilitatorMechanism) failure(req *x402.PaymentRequirements, payer string, err error) *x402.SettleResponse {
	reason := x402.ReasonOf(err)
	if reason == "" {
		reason = x402.ErrCodeRPCUnavailable
	}
	return &x402.SettleResponse{Network: req.Network, Payer: payer, ErrorReason: reason}
}
