package shell

const (
	cbChoice = "choice"
	cbCancel = "cancel"
	cbMenu   = "menu"
	cbToken  = "tok"
	cbRepos  = "repos"
	cbRepo   = "repo"
	cbAdmin  = "adm"
)

const (
	msgWelcome = "*gitpush* publishes ZIP archives to GitHub as a single commit.\n\n" +
		"Add a personal access token, pick a repository and send the archive."
	msgHelp = "*Commands*\n" +
		"/publish `owner/repo[@branch]` upload a ZIP archive\n" +
		"/edit `owner/repo` create or replace one file\n" +
		"/addtoken store a GitHub token\n" +
		"/tokens manage stored tokens\n" +
		"/repos browse your repositories\n" +
		"/delete `owner/repo` delete a repository\n" +
		"/cancel abort the current step"
	msgUnknownText     = "I did not understand that. Pick an action:"
	msgUnknownDocument = "Start /publish first, then send the archive."
	msgExpiredButton   = "This button has expired."
	msgNothingToCancel = "Nothing to cancel."
	msgNoTokens        = "No tokens stored. Use /addtoken to add one."
	msgNeedToken       = "Add a GitHub token first with /addtoken."
	msgAdminOnly       = "This command is for the administrator."
	msgSlowDown        = "Slow down a little."
	msgUsage           = "Usage: %s owner/repo"
	msgTokenGone       = "That token no longer exists."
)
