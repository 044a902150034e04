package profile

// NewDefaultRegistry returns a registry populated with the built-in plugin
// catalog. Servers extend it with their own registrations before loading
// profiles.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register(CategoryDefault, PluginInfo{ClassID: ClassNoDefault, DisplayName: "No Default", New: func() any { return &noDefault{} }})
	r.Register(CategoryDefault, PluginInfo{ClassID: ClassGenericExtDefault, DisplayName: "Generic Extension Default", New: func() any { return &genericExtDefault{} }})
	r.Register(CategoryDefault, PluginInfo{ClassID: "validityDefaultImpl", DisplayName: "Validity Default", New: func() any { return &validityDefault{} }})
	r.Register(CategoryDefault, PluginInfo{ClassID: "subjectNameDefaultImpl", DisplayName: "Subject Name Default", New: func() any { return &subjectNameDefault{} }})
	r.Register(CategoryDefault, PluginInfo{ClassID: "userKeyDefaultImpl", DisplayName: "User Supplied Key Default", New: func() any { return &userKeyDefault{} }})
	r.Register(CategoryDefault, PluginInfo{ClassID: "serverKeygenDefaultImpl", DisplayName: "Server-Side Keygen Default", New: func() any { return &serverKeygenDefault{} }})
	r.Register(CategoryDefault, PluginInfo{ClassID: "signingAlgDefaultImpl", DisplayName: "Signing Algorithm Default", New: func() any { return &signingAlgDefault{} }})
	r.Register(CategoryDefault, PluginInfo{ClassID: "subjectKeyIDDefaultImpl", DisplayName: "Subject Key Identifier Default", New: func() any { return &skiDefault{} }})
	r.Register(CategoryDefault, PluginInfo{ClassID: "keyUsageDefaultImpl", DisplayName: "Key Usage Default", New: func() any { return &keyUsageDefault{} }})

	r.Register(CategoryConstraint, PluginInfo{ClassID: "noConstraintImpl", DisplayName: "No Constraint", New: func() any { return &noConstraint{} }})
	r.Register(CategoryConstraint, PluginInfo{ClassID: "validityConstraintImpl", DisplayName: "Validity Constraint", New: func() any { return &validityConstraint{} }})
	r.Register(CategoryConstraint, PluginInfo{ClassID: "keyConstraintImpl", DisplayName: "Key Constraint", New: func() any { return &keyConstraint{} }})
	r.Register(CategoryConstraint, PluginInfo{ClassID: "signingAlgConstraintImpl", DisplayName: "Signing Algorithm Constraint", New: func() any { return &signingAlgConstraint{} }})
	r.Register(CategoryConstraint, PluginInfo{ClassID: "subjectNameConstraintImpl", DisplayName: "Subject Name Constraint", New: func() any { return &subjectNameConstraint{} }})
	r.Register(CategoryConstraint, PluginInfo{ClassID: "renewalGraceConstraintImpl", DisplayName: "Renewal Grace Period Constraint", New: func() any { return &renewalGraceConstraint{} }})

	r.Register(CategoryInput, PluginInfo{ClassID: "keyGenInputImpl", DisplayName: "Key Generation Input", New: func() any { return &keyGenInput{} }})
	r.Register(CategoryInput, PluginInfo{ClassID: "subjectNameInputImpl", DisplayName: "Subject Name Input", New: func() any { return &subjectNameInput{} }})
	r.Register(CategoryInput, PluginInfo{ClassID: "submitterInfoInputImpl", DisplayName: "Submitter Information Input", New: func() any { return &submitterInfoInput{} }})

	r.Register(CategoryOutput, PluginInfo{ClassID: "certOutputImpl", DisplayName: "Certificate Output", New: func() any { return &certOutput{} }})

	r.Register(CategoryUpdater, PluginInfo{ClassID: "logUpdaterImpl", DisplayName: "Log Updater", New: func() any { return &logUpdater{} }})
	r.Register(CategoryUpdater, PluginInfo{ClassID: "noopUpdaterImpl", DisplayName: "No-op Updater", New: func() any { return &noopUpdater{} }})

	return r
}
