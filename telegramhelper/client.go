// Package telegramhelper owns the TDLib client lifecycle and the translation
// of TDLib objects into tracker models. Each account authenticates against
// its own pair of local stores, so switching accounts never mixes session
// state.
package telegramhelper

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zelenin/go-tdlib/client"

	"github.com/researchaccelerator-hub/telegram-post-tracker/account"
	"github.com/researchaccelerator-hub/telegram-post-tracker/crawler"
)

// tdClient wraps the generated binding with the public-post-search calls it
// does not expose as typed methods yet. Those go through the binding's
// generic Send with the wire names spelled out.
type tdClient struct {
	*client.Client
}

func (c *tdClient) send(requestType string, data map[string]interface{}) (json.RawMessage, error) {
	req := client.Request{Data: data}
	req.Type = requestType

	result, err := c.Client.Send(req)
	if err != nil {
		return nil, err
	}
	if result.Type == "error" {
		respErr, err := client.UnmarshalError(result.Data)
		if err != nil {
			return nil, err
		}
		return nil, client.ResponseError{Err: respErr}
	}
	return result.Data, nil
}

func (c *tdClient) SearchPublicPosts(req *crawler.SearchPublicPostsRequest) (*crawler.FoundPublicPosts, error) {
	data, err := c.send("searchPublicPosts", map[string]interface{}{
		"query":      req.Query,
		"offset":     req.Offset,
		"limit":      req.Limit,
		"star_count": req.StarCount,
	})
	if err != nil {
		return nil, err
	}

	var found crawler.FoundPublicPosts
	if err := json.Unmarshal(data, &found); err != nil {
		return nil, fmt.Errorf("unmarshal foundPublicPosts: %w", err)
	}
	return &found, nil
}

func (c *tdClient) GetPublicPostSearchLimits() (*crawler.PublicPostSearchLimits, error) {
	data, err := c.send("getPublicPostSearchLimits", map[string]interface{}{})
	if err != nil {
		return nil, err
	}

	var limits crawler.PublicPostSearchLimits
	if err := json.Unmarshal(data, &limits); err != nil {
		return nil, fmt.Errorf("unmarshal publicPostSearchLimits: %w", err)
	}
	return &limits, nil
}

// TelegramService abstracts TDLib client construction so session handling can
// be tested without a live connection.
type TelegramService interface {
	// InitializeClient authenticates a client against the account's local
	// stores. First use walks the interactive credential flow; afterwards the
	// saved session resumes silently.
	InitializeClient(acct *account.Account, verbosity int32) (crawler.TDLibClient, error)

	// Listen subscribes to the asynchronous update stream of an open client.
	// The returned func detaches the subscription.
	Listen(tdlibClient crawler.TDLibClient) (<-chan client.Type, func(), error)
}

// RealTelegramService is the TDLib-backed implementation.
type RealTelegramService struct{}

// InitializeClient sets up a real TDLib client bound to the account's
// database and files directories. API credentials come from the environment
// (TG_API_ID / TG_API_HASH); phone number and code are requested
// interactively on first login via the CLI interactor.
func (s *RealTelegramService) InitializeClient(acct *account.Account, verbosity int32) (crawler.TDLibClient, error) {
	apiIDRaw := os.Getenv("TG_API_ID")
	apiID, err := strconv.ParseInt(apiIDRaw, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid TG_API_ID %q: %w", apiIDRaw, err)
	}
	apiHash := os.Getenv("TG_API_HASH")
	if apiHash == "" {
		return nil, fmt.Errorf("TG_API_HASH is not set")
	}

	if err := os.MkdirAll(acct.DatabaseDir, 0755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	if err := os.MkdirAll(acct.FilesDir, 0755); err != nil {
		return nil, fmt.Errorf("create files dir: %w", err)
	}

	log.Info().
		Str("account", acct.Name).
		Str("database_dir", acct.DatabaseDir).
		Msg("Initializing TDLib client")

	authorizer := client.ClientAuthorizer()
	authorizer.TdlibParameters <- &client.SetTdlibParametersRequest{
		UseTestDc:           false,
		DatabaseDirectory:   acct.DatabaseDir,
		FilesDirectory:      acct.FilesDir,
		UseFileDatabase:     true,
		UseChatInfoDatabase: true,
		UseMessageDatabase:  true,
		UseSecretChats:      false,
		ApiId:               int32(apiID),
		ApiHash:             apiHash,
		SystemLanguageCode:  "en",
		DeviceModel:         "Server",
		SystemVersion:       "1.0.0",
		ApplicationVersion:  "1.0.0",
	}

	go client.CliInteractor(authorizer)

	clientReady := make(chan *client.Client)
	errChan := make(chan error)

	go func() {
		tdlibClient, err := client.NewClient(authorizer)
		if err != nil {
			errChan <- fmt.Errorf("failed to initialize TDLib client: %w", err)
			return
		}
		tdlibClient.SetLogVerbosityLevel(&client.SetLogVerbosityLevelRequest{
			NewVerbosityLevel: verbosity,
		})
		clientReady <- tdlibClient
	}()

	select {
	case tdlibClient := <-clientReady:
		log.Info().Str("account", acct.Name).Msg("Client initialized successfully")
		return &tdClient{Client: tdlibClient}, nil
	case err := <-errChan:
		return nil, err
	case <-time.After(5 * time.Minute):
		return nil, fmt.Errorf("timeout initializing TDLib client for account %s", acct.Name)
	}
}

// Listen attaches an update listener to a live client. Fails for non-TDLib
// clients (mocks), which provide their own channels.
func (s *RealTelegramService) Listen(tdlibClient crawler.TDLibClient) (<-chan client.Type, func(), error) {
	real, ok := tdlibClient.(*tdClient)
	if !ok {
		return nil, nil, fmt.Errorf("client does not support update listeners")
	}
	listener := real.Client.GetListener()
	return listener.Updates, listener.Close, nil
}

// CloseClient flushes and releases a client, logging rather than failing on
// close errors.
func CloseClient(tdlibClient crawler.TDLibClient) {
	if tdlibClient == nil {
		return
	}
	if _, err := tdlibClient.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing tdlibClient")
	} else {
		log.Debug().Msg("tdlibClient closed successfully")
	}
}

// IsBalanceTooLow reports whether an RPC error is the platform's
// insufficient-star-balance condition. It is a scheduling signal, not a
// failure.
func IsBalanceTooLow(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "BALANCE_TOO_LOW")
}
