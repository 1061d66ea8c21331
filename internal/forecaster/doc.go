// Package forecaster turns a ready feature window into a load forecast.
//
// The forecaster adapts a pretrained sequence model to the control loop. The
// model itself is a black box with a fixed input shape [N][F] and three
// normalized quantile outputs (p10, p50, p90). The adapter around it:
//
//   - rejects windows that are not ready (ErrWindowNotReady)
//   - scales the window with the configured transform
//   - denormalizes the quantiles back into measurement units
//   - derives a confidence score from the quantile spread
//
// Confidence:
//
//	relative_spread = (p90 - p10) / max(|p50|, spread_floor)
//	confidence      = clamp01(1 - relative_spread / max_relative_spread)
//
// A confidence of 0 means the forecast must not drive a downshift.
//
// Example usage:
//
//	model, err := forecaster.LoadLinearQuantileModel(cfg.Forecast.ModelPath)
//	if err != nil {
//	    return err
//	}
//	if err := forecaster.CheckCompatibility(model.Metadata(), cfg.WindowLength, fields); err != nil {
//	    return err
//	}
//	f := forecaster.New(model, transform, cfg.Forecast)
//
//	forecast, err := f.Predict(ctx, snapshot)
//	switch {
//	case errors.Is(err, forecaster.ErrWindowNotReady):
//	    // hold
//	case errors.Is(err, forecaster.ErrModelInference):
//	    // treat as confidence 0
//	}
//
// The model is loaded once, never mutated and shared by all unit passes.
package forecaster
