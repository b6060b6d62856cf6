// Package deosun implements a Discord community bot for a single guild.
//
// Members earn tier roles from activity: every chat message and voice
// channel join is counted, and after each update the member's tier role
// is reconciled against the tier ladder. A member qualifies for a tier
// when either their chat count or their voice join count meets its
// threshold.
//
// Other features:
//
//   - Text-to-speech: messages in configured TTS channels are read aloud
//     in the author's voice channel. Each guild has one voice session
//     with a queue played strictly in order.
//   - Translation: members opt in and pick a language pair, and messages
//     in allowlisted channels get a translated reply.
//   - /commands: a chat agent backed by OpenAI.
//   - /addrole: self-assignable game roles.
//   - An optional admin API for health, stats, rankings and voice
//     sessions.
//
// Stats and settings are stored with gorm (sqlite or postgres), with a
// read cache in front of stats (in-process, or redis). Role changes,
// translations and command use are written to JSON audit logs.
package deosun
