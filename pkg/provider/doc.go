// Package provider provides a client for the game-content provider's
// merchant API.
//
// # Authentication
//
// Every request carries four headers produced by the signer package:
//   - X-Merchant-Id: the merchant id
//   - X-Timestamp: unix seconds
//   - X-Nonce: a random value unique per request
//   - X-Sign: HMAC-SHA1 over the sorted request parameters and the three values above
//
// # Basic Usage
//
//	client, err := provider.NewClient(&provider.ClientConfig{
//	    BaseURL:     "https://staging.example-provider.com/api/v1",
//	    MerchantID:  "merchant-id",
//	    MerchantKey: "merchant-key",
//	}, provider.WithExecutor(limiter))
//
//	page, err := client.ListGames(ctx, provider.ListGamesRequest{Page: 1, PerPage: 100})
//
//	launch, err := client.InitGame(ctx, provider.InitGameRequest{
//	    GameID:   "a2c8...",
//	    PlayerID: "player-1",
//	    Currency: "EUR",
//	    Mode:     provider.ModeReal,
//	})
//
// # Error Handling
//
// Non-2xx responses are returned as *APIError:
//
//	var apiErr *provider.APIError
//	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
//	    // unknown game
//	}
package provider
