package contracts

import (
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// Crisis resource target types.
const (
	TargetPhone         = "phone"
	TargetWebhook       = "webhook"
	TargetInternalQueue = "internal_queue"
	TargetExternalAPI   = "external_api"
)

// CrisisResourceTarget is a partner-configured routing destination used when
// an unacknowledged escalation breaches its SLA. Configuring a target does not
// guarantee a connection to emergency services.
type CrisisResourceTarget struct {
	TargetID    string `json:"target_id" yaml:"target_id"`
	Name        string `json:"name" yaml:"name"`
	TargetType  string `json:"target_type" yaml:"target_type"`
	Endpoint    string `json:"endpoint" yaml:"endpoint"`
	RequiresBAA bool   `json:"requires_baa" yaml:"requires_baa"`
}

// UnmarshalYAML applies the requires_baa default of true when the key is absent.
func (t *CrisisResourceTarget) UnmarshalYAML(value *yaml.Node) error {
	type plain CrisisResourceTarget
	p := plain{RequiresBAA: true}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*t = CrisisResourceTarget(p)
	return nil
}

// UnmarshalJSON applies the same default as UnmarshalYAML.
func (t *CrisisResourceTarget) UnmarshalJSON(data []byte) error {
	type plain CrisisResourceTarget
	p := plain{RequiresBAA: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*t = CrisisResourceTarget(p)
	return nil
}
