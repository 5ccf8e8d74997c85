// Package logging builds the docqa zap logger.
//
// Entries go to stdout through an encoder that masks the credential keys of
// the docqa config, and optionally to the OpenTelemetry log provider.
// Sampling thins repeated entries but never drops errors.
//
// Components take a plain *zap.Logger (Underlying or a Named child). Code
// that handles a request tags the context once and logs through the
// context-aware methods, so request, user, session and document ids land
// on every entry:
//
//	ctx = logging.WithRequestID(ctx, reqID)
//	ctx = logging.WithUserID(ctx, userID)
//	logger.Info(ctx, "query answered", zap.Int("passages", n))
package logging
