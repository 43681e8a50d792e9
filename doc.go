// # Go Session Kit for Streaming Avatars
//
// This repository provides a Go package for driving a streaming avatar session: it fetches a short-lived access token, opens a talking-head session through the vendor streaming API, mirrors the vendor's asynchronous events into an explicit session state machine (lifecycle, voice chat, turn-taking, transcript) and flushes the conversation transcript to a small persistence backend when the session ends.
package avatar
