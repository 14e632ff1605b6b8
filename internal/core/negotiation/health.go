package negotiation

import (
	"huddle/internal/core/recovery"
)

// checkHealth feeds every session to the recovery monitor and carries out
// its decisions.
func (o *Orchestrator) checkHealth() {
	o.pruneTombstones()
	for _, s := range o.sessions {
		o.resendOffer(s)
	}

	snapshot := make([]recovery.Health, 0, len(o.sessions))
	for _, s := range o.sessions {
		snapshot = append(snapshot, recovery.Health{
			PeerID:      s.RemoteID,
			Connection:  s.ConnectionState(),
			Signaling:   s.SignalingState(),
			MakingOffer: s.makingOffer,
		})
	}

	for _, d := range o.monitor.Evaluate(snapshot) {
		s, ok := o.sessions[d.PeerID]
		if !ok {
			continue
		}
		o.logger.Infow("recovering peer session",
			"peer_id", d.PeerID,
			"action", d.Action.String(),
			"attempt", d.Attempt,
		)
		switch d.Action {
		case recovery.ActionRenegotiate:
			o.negotiate(s, false)
		case recovery.ActionICERestart:
			o.negotiate(s, true)
		case recovery.ActionRecreate:
			o.recreate(s, "recovery")
		}
	}
}
