package http

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/spec-kit/support-realtime/internal/observability"
	apperrors "github.com/spec-kit/support-realtime/pkg/util/errorutil"
)

// retryAfterSeconds is advertised on RATE_LIMITED responses.
const retryAfterSeconds = "1"

// RegisterMiddlewares installs request ids, the error envelope and request
// logging.
func RegisterMiddlewares(app *fiber.App, logger *zap.Logger, metrics *observability.Metrics, timeout time.Duration) {
	app.Use(requestid.New())
	if timeout > 0 {
		app.Use(requestTimeoutMiddleware(timeout))
	}
	app.Use(errorHandlingMiddleware(logger, metrics))
	app.Use(observability.RequestLogger(logger, metrics))
}

// requestTimeoutMiddleware bounds store calls made while serving a request.
func requestTimeoutMiddleware(timeout time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), timeout)
		defer cancel()
		c.SetUserContext(ctx)
		return c.Next()
	}
}

// errorLevel picks the log level for a failed request from its code.
func errorLevel(domainErr *apperrors.DomainError) zapcore.Level {
	if domainErr.HTTPStatus >= fiber.StatusInternalServerError {
		return zapcore.ErrorLevel
	}
	switch domainErr.Code {
	case apperrors.CodeRateLimited, apperrors.CodeAuthFailed, apperrors.CodeForbidden:
		return zapcore.WarnLevel
	case apperrors.CodeNotJoined, apperrors.CodeTicketClosed, apperrors.CodeInvalidTransition:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

func errorHandlingMiddleware(logger *zap.Logger, metrics *observability.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
				err = apperrors.NewInternalError(nil)
			}
			if err == nil {
				return
			}
			domainErr := toDomainError(err)
			if metrics != nil {
				metrics.RecordError(routePath(c), c.Method(), domainErr.Code)
			}
			if ce := logger.Check(errorLevel(domainErr), "request rejected"); ce != nil {
				ce.Write(
					zap.String("request_id", requestID(c)),
					zap.String("path", c.Path()),
					zap.String("ticket_id", c.Params("id")),
					zap.String("code", domainErr.Code),
					zap.Error(err),
				)
			}

			body := fiber.Map{
				"code":    domainErr.Code,
				"message": domainErr.Message,
			}
			if len(domainErr.Details) > 0 {
				body["details"] = domainErr.Details
			}
			if id := requestID(c); id != "" {
				body["request_id"] = id
			}
			if domainErr.Code == apperrors.CodeRateLimited {
				c.Set(fiber.HeaderRetryAfter, retryAfterSeconds)
			}
			c.Status(domainErr.HTTPStatus)
			_ = c.JSON(fiber.Map{"error": body})
			err = nil
		}()
		return c.Next()
	}
}

// toDomainError reports a handler that ran out of time as TRANSIENT_NETWORK
// so clients retry instead of treating it as a server bug.
func toDomainError(err error) *apperrors.DomainError {
	var domainErr *apperrors.DomainError
	if !errors.As(err, &domainErr) && errors.Is(err, context.DeadlineExceeded) {
		return apperrors.ToDomainError(apperrors.NewTransientNetworkError(err))
	}
	return apperrors.ToDomainError(err)
}

func requestID(c *fiber.Ctx) string {
	id, _ := c.Locals(requestid.ConfigDefault.ContextKey).(string)
	return id
}

func routePath(c *fiber.Ctx) string {
	if route := c.Route(); route != nil && route.Path != "" {
		return route.Path
	}
	return c.Path()
}
