package pipeline

import (
	"fmt"

	"github.com/meow-io/go-inbound/envelope"
)

const legacyStatusReady = "ready"

type legacyDecryptJob struct {
	ID                      int64  `db:"id"`
	Envelope                []byte `db:"envelope"`
	ServerDeliveryTimestamp uint64 `db:"server_delivery_ts"`
	Status                  string `db:"status"`
}

type legacyProcessJob struct {
	ID                      int64  `db:"id"`
	Envelope                []byte `db:"envelope"`
	Plaintext               []byte `db:"plaintext"`
	ServerDeliveryTimestamp uint64 `db:"server_delivery_ts"`
	SealedSender            bool   `db:"sealed_sender"`
}

// MigrateLegacyJobs resubmits jobs persisted by older releases. Each job's row is deleted once its envelope
// completes, unless the outcome asks for redelivery. It returns the number of envelopes submitted.
func (p *Processor) MigrateLegacyJobs() (int, error) {
	var processJobs []*legacyProcessJob
	var decryptJobs []*legacyDecryptJob
	if err := p.db.RunReadOnly("loading legacy jobs", func() error {
		if err := p.db.Tx.Select(&processJobs, "SELECT * FROM _legacy_process_jobs ORDER BY id"); err != nil {
			return err
		}
		return p.db.Tx.Select(&decryptJobs, "SELECT * FROM _legacy_decrypt_jobs WHERE status = ? ORDER BY id", legacyStatusReady)
	}); err != nil {
		return 0, fmt.Errorf("pipeline: error loading legacy jobs: %w", err)
	}
	if len(processJobs) == 0 && len(decryptJobs) == 0 {
		return 0, nil
	}
	p.log.Infof("migrating %d legacy process jobs and %d legacy decrypt jobs", len(processJobs), len(decryptJobs))

	submitted := 0
	for _, job := range processJobs {
		env, err := envelope.Parse(job.Envelope)
		if err != nil {
			p.log.Warnf("dropping unparseable legacy process job %d: %v", job.ID, err)
			p.deleteLegacyJob("_legacy_process_jobs", job.ID)
			continue
		}
		c := p.SubmitDecrypted(env, job.Plaintext, job.ServerDeliveryTimestamp, job.SealedSender)
		go p.deleteLegacyJobOnCompletion(c, "_legacy_process_jobs", job.ID)
		submitted++
	}
	for _, job := range decryptJobs {
		if len(job.Envelope) == 0 {
			p.log.Warnf("skipping legacy decrypt job %d without envelope data", job.ID)
			continue
		}
		c, err := p.SubmitEncrypted(job.Envelope, job.ServerDeliveryTimestamp, envelope.SourceLegacyJob)
		if err != nil {
			if AckBehaviorFor(err).ShouldAck() {
				p.log.Warnf("dropping legacy decrypt job %d: %v", job.ID, err)
				p.deleteLegacyJob("_legacy_decrypt_jobs", job.ID)
			}
			continue
		}
		go p.deleteLegacyJobOnCompletion(c, "_legacy_decrypt_jobs", job.ID)
		submitted++
	}
	return submitted, nil
}

func (p *Processor) deleteLegacyJobOnCompletion(c *Completion, table string, id int64) {
	<-c.Done()
	if !AckBehaviorFor(c.Err()).ShouldAck() {
		p.log.Infof("keeping legacy job %s/%d for redelivery: %v", table, id, c.Err())
		return
	}
	p.deleteLegacyJob(table, id)
}

func (p *Processor) deleteLegacyJob(table string, id int64) {
	if err := p.db.Run(fmt.Sprintf("deleting legacy job %s/%d", table, id), func() error {
		_, err := p.db.Tx.Exec("DELETE FROM "+table+" WHERE id = ?", id)
		return err
	}); err != nil {
		p.log.Warnf("error deleting legacy job %s/%d: %v", table, id, err)
	}
}
