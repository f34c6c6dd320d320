package bridge

// Load builds and registers the given rules. A rule that cannot be built is
// logged and skipped; the returned errors are the *ConstructionError of each
// skipped rule.
func (t *Table) Load(receivers []ReceiverConfig, transmitters []TransmitterConfig) []error {
	var errs []error
	skip := func(kind string, index int, name string, err error) {
		t.logger.Error().Err(err).Str("kind", kind).Int("index", index).Str("rule", name).Msg("skipping rule")
		errs = append(errs, err)
	}
	for i, cfg := range receivers {
		r, err := NewReceiver(cfg)
		if err == nil {
			err = t.AddReceiver(r)
		}
		if err != nil {
			skip(KindReceiver, i+1, cfg.Name, err)
			continue
		}
		t.logger.Debug().Str("kind", KindReceiver).Str("rule", cfg.Name).Msg("rule loaded")
	}
	for i, cfg := range transmitters {
		tr, err := NewTransmitter(cfg)
		if err == nil {
			err = t.AddTransmitter(tr)
		}
		if err != nil {
			skip(KindTransmitter, i+1, cfg.Name, err)
			continue
		}
		t.logger.Debug().Str("kind", KindTransmitter).Str("rule", cfg.Name).Msg("rule loaded")
	}
	return errs
}
