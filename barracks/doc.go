// Package barracks implements a Discord bot for a military roleplay
// community. Members link a Roblox account by posting a one-time code in
// their profile description, and receive a rank-prefixed nickname based
// on their role in the community's Roblox group.
//
// Key components of the package include:
//
//   - Barracks: the main struct, which owns the bot's lifecycle.
//   - Discord: the gateway session, command registration and nickname updates.
//   - IdentityClient: rate limited lookups against the Roblox web APIs.
//   - VerificationCoordinator: the challenge/response verification protocol.
//   - ProfileStore and TicketStore: persistence, on sqlite or PostgreSQL.
//   - API: the admin/health API, used to manage runtime configuration.
//
// The bot supports these commands:
//
//   - /verify, /reverify and /verification_status: account verification.
//   - /tryout, /training and /schedule: drill announcements and history.
//   - /setup_tickets: posts the support ticket panel.
//   - /help: lists the commands.
//
// Interactions are received from the gateway by default, or through a
// signed webhook endpoint when enabled. Runtime settings (pausing,
// feature toggles, log levels and the bot's presence) are stored in the
// database and may be changed through the API without a restart.
package barracks
