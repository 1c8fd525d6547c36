package pipeline

import (
	"fmt"

	"github.com/meow-io/go-inbound/envelope"
	"github.com/meow-io/go-inbound/groups"
)

// processEnvelope decrypts pe if needed and routes it. Runs inside the batch transaction.
func (p *Processor) processEnvelope(pe pendingEnvelope) error {
	switch e := pe.(type) {
	case *encryptedEnvelope:
		d, err := p.decrypt(e)
		if err != nil {
			return err
		}
		return p.route(d)
	case *decryptedEnvelope:
		return p.route(e)
	default:
		return fmt.Errorf("pipeline: unexpected envelope %T", pe)
	}
}

func (p *Processor) decrypt(e *encryptedEnvelope) (*decryptedEnvelope, error) {
	tx := p.db.Tx
	if e.env.Destination != nil {
		local, err := p.deps.Account.LocalAddress(tx)
		if err != nil {
			return nil, err
		}
		if *e.env.Destination != local {
			return nil, fmt.Errorf("%w: %s", ErrWrongDestination, e.env.Destination)
		}
	}
	out, err := p.deps.Decryptor.Decrypt(tx, e.env, e.raw)
	if err != nil {
		return nil, &DecryptionError{Err: err}
	}
	return &decryptedEnvelope{
		env:                     out.Envelope,
		raw:                     out.Raw,
		plaintext:               out.Plaintext,
		serverDeliveryTimestamp: e.serverDeliveryTimestamp,
		sealedSender:            e.env.SealedSender(),
		done:                    e.done,
	}, nil
}

func (p *Processor) route(d *decryptedEnvelope) error {
	tx := p.db.Tx
	env := d.env
	if !env.HasValidSource() {
		return ErrMissingSourceAddress
	}
	if err := env.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}

	var content *envelope.Content
	if len(d.plaintext) > 0 {
		c, err := envelope.ParseContent(d.plaintext)
		if err != nil {
			p.log.Warnf("unparseable content in %s: %v", env, err)
		} else {
			content = c
		}
	}

	decrypted := &envelope.Decrypted{Envelope: env, Raw: d.raw, Plaintext: d.plaintext}
	if err := p.deps.Preprocessor.Preprocess(tx, decrypted, content); err != nil {
		return err
	}

	blocked, err := p.deps.BlockList.IsBlocked(tx, *env.SourceAddress)
	if err != nil {
		return err
	}
	if blocked {
		return ErrBlockedSender
	}

	m := &Message{
		Envelope:                env,
		Raw:                     d.raw,
		Plaintext:               d.plaintext,
		Content:                 content,
		ServerDeliveryTimestamp: d.serverDeliveryTimestamp,
		SealedSender:            d.sealedSender,
	}
	if content == nil || content.Group == nil {
		return p.deps.Content.Process(tx, m, false)
	}

	gc := content.Group
	ready, err := p.deps.Groups.CanProcessImmediately(tx, gc)
	if err != nil {
		return err
	}
	if !ready {
		envelopeBytes := d.raw
		if envelopeBytes == nil {
			if envelopeBytes, err = env.Serialize(); err != nil {
				return fmt.Errorf("pipeline: error serializing envelope for group %s: %w", gc.ID, err)
			}
		}
		p.log.Debugf("deferring %s until group %s reaches revision %d", env, gc.ID, gc.Revision)
		return p.deps.DeferredGroups.Enqueue(tx, gc, envelopeBytes, d.plaintext, d.sealedSender, d.serverDeliveryTimestamp)
	}

	mode, err := p.deps.Groups.DiscardMode(tx, *env.SourceAddress, gc)
	if err != nil {
		return err
	}
	if mode == groups.DiscardAll {
		p.log.Debugf("discarding %s for group %s", env, gc.ID)
		return nil
	}
	return p.deps.Content.Process(tx, m, mode == groups.DiscardVisible)
}
