package decrypt

import (
	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-inbound/envelope"
	"github.com/meow-io/go-inbound/ids"
)

// Preprocess records sender key distributions carried by content. It runs for every decrypted envelope with a
// known sender, blocked or not, and is idempotent: an older iteration never replaces a newer one.
func (d *Decryptor) Preprocess(tx *sqlx.Tx, decrypted *envelope.Decrypted, content *envelope.Content) error {
	if content == nil || content.SenderKeyDistribution == nil {
		return nil
	}
	env := decrypted.Envelope
	if !env.HasValidSource() {
		return nil
	}
	skdm := content.SenderKeyDistribution
	d.log.Debugf("storing sender key %s from %s.%d iteration=%d", skdm.DistributionID, env.SourceAddress, env.SourceDevice, skdm.Iteration)
	return d.db.upsertSenderKey(tx, &senderKey{
		Address:        *env.SourceAddress,
		Device:         env.SourceDevice,
		DistributionID: skdm.DistributionID,
		ChainKey:       skdm.ChainKey,
		Iteration:      skdm.Iteration,
	})
}

// SenderKey returns the stored chain key and iteration for a distribution, if any.
func (d *Decryptor) SenderKey(tx *sqlx.Tx, address ids.ID, device uint32, distributionID ids.ID) ([]byte, uint32, bool, error) {
	sk, ok, err := d.db.senderKey(tx, address, device, distributionID)
	if err != nil || !ok {
		return nil, 0, ok, err
	}
	return sk.ChainKey, sk.Iteration, true, nil
}
